package risk

import (
	"time"

	"trading_bot/internal/core"
)

// Session policies recognised by the market-hours gate.
const (
	PolicyRegularOnly     = "regular_only"
	PolicyIncludeExtended = "include_extended"
)

// Extended hours span 04:00 to 20:00 in the market timezone on weekdays.
const (
	extendedOpenMinute  = 4 * 60
	extendedCloseMinute = 20 * 60
	regularOpenHour     = 9
	regularOpenMinute   = 30
)

// minutesSinceOpen is relative to the regular 09:30 session open of the
// current day in the market timezone. Negative before the open.
func minutesSinceOpen(now time.Time, loc *time.Location) int {
	local := now.In(loc)
	open := time.Date(local.Year(), local.Month(), local.Day(),
		regularOpenHour, regularOpenMinute, 0, 0, loc)
	return int(local.Sub(open) / time.Minute)
}

// minutesUntilClose is taken from the broker clock, which knows about
// half days and holidays.
func minutesUntilClose(now time.Time, clock *core.Clock) int {
	return int(clock.NextClose.Sub(now) / time.Minute)
}

func withinExtendedHours(now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= extendedOpenMinute && minute < extendedCloseMinute
}
