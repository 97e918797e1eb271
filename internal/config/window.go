package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/outreach-engine/internal/businesshours"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// Window converts the configured window into a businesshours.Window.
func (w WindowConfig) Window() (businesshours.Window, error) {
	days := make([]time.Weekday, 0, len(w.Days))
	for _, name := range w.Days {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return businesshours.Window{}, fmt.Errorf("unknown weekday %q", name)
		}
		days = append(days, d)
	}

	window := businesshours.Window{StartHour: w.StartHour, EndHour: w.EndHour, Days: days}
	if err := window.Validate(); err != nil {
		return businesshours.Window{}, err
	}
	return window, nil
}
