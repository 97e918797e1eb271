package businesshours

// regionTimeZones maps free-text country names to their primary IANA zone.
var regionTimeZones = map[string]string{
	"United States":        "America/New_York",
	"USA":                  "America/New_York",
	"US":                   "America/New_York",
	"India":                "Asia/Kolkata",
	"United Kingdom":       "Europe/London",
	"UK":                   "Europe/London",
	"Canada":               "America/Toronto",
	"Australia":            "Australia/Sydney",
	"Germany":              "Europe/Berlin",
	"France":               "Europe/Paris",
	"Japan":                "Asia/Tokyo",
	"China":                "Asia/Shanghai",
	"Brazil":               "America/Sao_Paulo",
	"Mexico":               "America/Mexico_City",
	"Spain":                "Europe/Madrid",
	"Italy":                "Europe/Rome",
	"Netherlands":          "Europe/Amsterdam",
	"Belgium":              "Europe/Brussels",
	"Switzerland":          "Europe/Zurich",
	"Sweden":               "Europe/Stockholm",
	"Norway":               "Europe/Oslo",
	"Denmark":              "Europe/Copenhagen",
	"Poland":               "Europe/Warsaw",
	"Russia":               "Europe/Moscow",
	"South Korea":          "Asia/Seoul",
	"Singapore":            "Asia/Singapore",
	"Hong Kong":            "Asia/Hong_Kong",
	"Taiwan":               "Asia/Taipei",
	"Thailand":             "Asia/Bangkok",
	"Indonesia":            "Asia/Jakarta",
	"Malaysia":             "Asia/Kuala_Lumpur",
	"Philippines":          "Asia/Manila",
	"Vietnam":              "Asia/Ho_Chi_Minh",
	"New Zealand":          "Pacific/Auckland",
	"South Africa":         "Africa/Johannesburg",
	"UAE":                  "Asia/Dubai",
	"United Arab Emirates": "Asia/Dubai",
	"Saudi Arabia":         "Asia/Riyadh",
	"Israel":               "Asia/Jerusalem",
	"Turkey":               "Europe/Istanbul",
	"Argentina":            "America/Argentina/Buenos_Aires",
	"Chile":                "America/Santiago",
	"Colombia":             "America/Bogota",
	"Peru":                 "America/Lima",
	"Venezuela":            "America/Caracas",
}
