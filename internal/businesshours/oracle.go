// Package businesshours decides whether a send is allowed at a given instant
// in the recipient's local time.
package businesshours

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without /usr/share/zoneinfo
)

// DefaultTimeZone is used when a region cannot be mapped.
const DefaultTimeZone = "UTC"

// Window is a daily send window: [StartHour, EndHour) on the listed weekdays.
type Window struct {
	StartHour int
	EndHour   int
	Days      []time.Weekday
}

// MondayToSaturday is the default set of send days.
var MondayToSaturday = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday,
}

// QueueWindow returns the window for initial and queued sends.
func QueueWindow() Window {
	return Window{StartHour: 9, EndHour: 18, Days: MondayToSaturday}
}

// FollowupWindow returns the window for follow-up sends.
func FollowupWindow() Window {
	return Window{StartHour: 9, EndHour: 19, Days: MondayToSaturday}
}

// Validate checks the window bounds.
func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("start hour %d out of range", w.StartHour)
	}
	if w.EndHour < 1 || w.EndHour > 24 {
		return fmt.Errorf("end hour %d out of range", w.EndHour)
	}
	if w.StartHour >= w.EndHour {
		return fmt.Errorf("start hour %d must be before end hour %d", w.StartHour, w.EndHour)
	}
	if len(w.Days) == 0 {
		return fmt.Errorf("at least one send day is required")
	}
	return nil
}

func (w Window) allowsDay(d time.Weekday) bool {
	for _, day := range w.Days {
		if day == d {
			return true
		}
	}
	return false
}

// Decision is the outcome of a send-window check.
type Decision struct {
	Allowed  bool
	Reason   string
	TimeZone string
	Local    time.Time
}

// LocationLoader resolves an IANA zone name.
type LocationLoader func(name string) (*time.Location, error)

// Oracle maps regions to time zones and evaluates send windows.
type Oracle struct {
	load    LocationLoader
	regions map[string]string
	folded  map[string]string
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithLocationLoader replaces time.LoadLocation.
func WithLocationLoader(load LocationLoader) Option {
	return func(o *Oracle) {
		o.load = load
	}
}

// WithRegions adds or overrides region mappings.
func WithRegions(regions map[string]string) Option {
	return func(o *Oracle) {
		for k, v := range regions {
			o.regions[k] = v
		}
	}
}

// New creates an oracle with the built-in region table.
func New(opts ...Option) *Oracle {
	o := &Oracle{
		load:    time.LoadLocation,
		regions: make(map[string]string, len(regionTimeZones)),
	}
	for k, v := range regionTimeZones {
		o.regions[k] = v
	}
	for _, opt := range opts {
		opt(o)
	}

	o.folded = make(map[string]string, len(o.regions))
	for k, v := range o.regions {
		o.folded[strings.ToLower(k)] = v
	}
	return o
}

// ResolveTimeZone maps a free-text region to an IANA zone name.
// Unknown or empty regions resolve to UTC.
func (o *Oracle) ResolveTimeZone(region string) string {
	region = strings.TrimSpace(region)
	if region == "" {
		return DefaultTimeZone
	}
	if tz, ok := o.regions[region]; ok {
		return tz
	}
	if tz, ok := o.folded[strings.ToLower(region)]; ok {
		return tz
	}
	return DefaultTimeZone
}

// IsSendWindow reports whether at falls inside w in the region's local time.
// It never fails: a zone that cannot be loaded yields a UTC-based denial.
func (o *Oracle) IsSendWindow(region string, at time.Time, w Window) Decision {
	tz := o.ResolveTimeZone(region)

	loc, err := o.load(tz)
	if err != nil {
		return Decision{
			Allowed:  false,
			Reason:   fmt.Sprintf("time zone %q unavailable, falling back to UTC: %v", tz, err),
			TimeZone: DefaultTimeZone,
			Local:    at.UTC(),
		}
	}

	return evaluate(at.In(loc), tz, w)
}

func evaluate(local time.Time, tz string, w Window) Decision {
	d := Decision{TimeZone: tz, Local: local}

	if !w.allowsDay(local.Weekday()) {
		d.Reason = fmt.Sprintf("%s is not a send day in %s", local.Weekday(), tz)
		return d
	}

	hour := local.Hour()
	if hour < w.StartHour || hour >= w.EndHour {
		d.Reason = fmt.Sprintf("%s is outside %02d:00-%02d:00 in %s",
			local.Format("15:04"), w.StartHour, w.EndHour, tz)
		return d
	}

	d.Allowed = true
	d.Reason = fmt.Sprintf("within business hours in %s", tz)
	return d
}

// NextWindowStart returns the next instant, in UTC, at which w opens in the
// region's local time. If at is already inside the window, at is returned.
func (o *Oracle) NextWindowStart(region string, at time.Time, w Window) time.Time {
	tz := o.ResolveTimeZone(region)
	loc, err := o.load(tz)
	if err != nil {
		loc = time.UTC
	}

	local := at.In(loc)
	if evaluate(local, tz, w).Allowed {
		return at.UTC()
	}

	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	for i := 0; i < 8; i++ {
		candidate := time.Date(day.Year(), day.Month(), day.Day()+i, w.StartHour, 0, 0, 0, loc)
		if candidate.After(local) && w.allowsDay(candidate.Weekday()) {
			return candidate.UTC()
		}
	}

	// Unreachable for a validated window.
	return at.UTC()
}
