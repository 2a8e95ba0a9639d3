package gateway

import (
	"fmt"
	"strings"
	"time"
)

// Calendar is a recurrence descriptor. The wire form is the canonical
// lowercase keyword ("daily", "monthly", ...), so parse/serialize round-trips
// are stable.
type Calendar struct {
	frequency frequency
}

type frequency int

const (
	frequencyMinutely frequency = iota
	frequencyHourly
	frequencyDaily
	frequencyWeekly
	frequencyMonthly
	frequencyQuarterly
	frequencySemiannually
	frequencyYearly
)

var (
	CalendarMinutely     = Calendar{frequencyMinutely}
	CalendarHourly       = Calendar{frequencyHourly}
	CalendarDaily        = Calendar{frequencyDaily}
	CalendarWeekly       = Calendar{frequencyWeekly}
	CalendarMonthly      = Calendar{frequencyMonthly}
	CalendarQuarterly    = Calendar{frequencyQuarterly}
	CalendarSemiannually = Calendar{frequencySemiannually}
	CalendarYearly       = Calendar{frequencyYearly}
)

func ParseCalendar(calendarStr string) (Calendar, error) {
	switch strings.ToLower(strings.TrimSpace(calendarStr)) {
	case "minutely":
		return CalendarMinutely, nil
	case "hourly":
		return CalendarHourly, nil
	case "daily":
		return CalendarDaily, nil
	case "weekly":
		return CalendarWeekly, nil
	case "monthly":
		return CalendarMonthly, nil
	case "quarterly":
		return CalendarQuarterly, nil
	case "semiannually":
		return CalendarSemiannually, nil
	case "yearly", "annually":
		return CalendarYearly, nil
	default:
		return Calendar{}, fmt.Errorf("cannot parse calendar %q", calendarStr)
	}
}

func RequireCalendar(calendarStr string) Calendar {
	calendar, err := ParseCalendar(calendarStr)
	if err != nil {
		panic(err)
	}
	return calendar
}

func (self Calendar) String() string {
	switch self.frequency {
	case frequencyMinutely:
		return "minutely"
	case frequencyHourly:
		return "hourly"
	case frequencyDaily:
		return "daily"
	case frequencyWeekly:
		return "weekly"
	case frequencyMonthly:
		return "monthly"
	case frequencyQuarterly:
		return "quarterly"
	case frequencySemiannually:
		return "semiannually"
	case frequencyYearly:
		return "yearly"
	default:
		return "daily"
	}
}

// NextAfter returns the next occurrence strictly after `from`.
// Month-based steps clamp the day of month to the last valid day of the
// target month (Jan 31 + 1 month = Feb 28/29), uniformly.
func (self Calendar) NextAfter(from time.Time) time.Time {
	switch self.frequency {
	case frequencyMinutely:
		return from.Add(time.Minute)
	case frequencyHourly:
		return from.Add(time.Hour)
	case frequencyDaily:
		return from.AddDate(0, 0, 1)
	case frequencyWeekly:
		return from.AddDate(0, 0, 7)
	case frequencyMonthly:
		return addMonthsClamped(from, 1)
	case frequencyQuarterly:
		return addMonthsClamped(from, 3)
	case frequencySemiannually:
		return addMonthsClamped(from, 6)
	case frequencyYearly:
		return addMonthsClamped(from, 12)
	default:
		return from.AddDate(0, 0, 1)
	}
}

// time.Time.AddDate normalizes (Jan 31 + 1 month = Mar 2/3).
// Billing wants the last valid day instead.
func addMonthsClamped(from time.Time, months int) time.Time {
	year, month, day := from.Date()

	m := int(month) - 1 + months
	targetYear := year + m/12
	targetMonth := time.Month(m%12 + 1)

	if last := daysInMonth(targetYear, targetMonth); day > last {
		day = last
	}

	hour, minute, second := from.Clock()
	return time.Date(targetYear, targetMonth, day, hour, minute, second, from.Nanosecond(), from.Location())
}

func daysInMonth(year int, month time.Month) int {
	// day 0 of the next month
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (self Calendar) MarshalJSON() ([]byte, error) {
	return []byte(`"` + self.String() + `"`), nil
}

func (self *Calendar) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("cannot parse calendar %s", string(src))
	}
	calendar, err := ParseCalendar(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = calendar
	return nil
}
