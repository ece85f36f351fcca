package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Day is a weekday of the recurring weekly template.
type Day int

const (
	Monday Day = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// AllDays lists the weekdays in template order.
var AllDays = [7]Day{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

func (d Day) String() string {
	switch d {
	case Monday:
		return "Monday"
	case Tuesday:
		return "Tuesday"
	case Wednesday:
		return "Wednesday"
	case Thursday:
		return "Thursday"
	case Friday:
		return "Friday"
	case Saturday:
		return "Saturday"
	case Sunday:
		return "Sunday"
	}
	return fmt.Sprintf("Day(%d)", int(d))
}

func (d Day) Valid() bool {
	return d >= Monday && d <= Sunday
}

// ParseDay accepts a weekday name in any case.
func ParseDay(s string) (Day, error) {
	for _, d := range AllDays {
		if strings.EqualFold(strings.TrimSpace(s), d.String()) {
			return d, nil
		}
	}
	return 0, newError(KindValidation, CodeInvalidDay, fmt.Sprintf("invalid day %q", s))
}

// DayFromWeekday maps a time.Weekday onto the Monday-first template order.
func DayFromWeekday(w time.Weekday) Day {
	switch w {
	case time.Monday:
		return Monday
	case time.Tuesday:
		return Tuesday
	case time.Wednesday:
		return Wednesday
	case time.Thursday:
		return Thursday
	case time.Friday:
		return Friday
	case time.Saturday:
		return Saturday
	default:
		return Sunday
	}
}

func (d Day) MarshalJSON() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("marshal day: %s", d)
	}
	return json.Marshal(d.String())
}

func (d *Day) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return newError(KindValidation, CodeInvalidDay, "day must be a weekday name")
	}
	parsed, err := ParseDay(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
