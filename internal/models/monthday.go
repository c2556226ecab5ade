package models

import (
	"fmt"
	"time"
)

// MonthDay is a calendar day without a year, used to describe recurring
// windows such as "12-28" to "01-04".
type MonthDay struct {
	Month time.Month
	Day   int
}

// ParseMonthDay parses "MM-DD". February 29 is accepted.
func ParseMonthDay(s string) (MonthDay, error) {
	if len(s) != 5 || s[2] != '-' {
		return MonthDay{}, fmt.Errorf("parse month-day %q: want MM-DD", s)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return MonthDay{}, fmt.Errorf("parse month-day %q: want MM-DD", s)
		}
	}
	md := MonthDay{
		Month: time.Month(int(s[0]-'0')*10 + int(s[1]-'0')),
		Day:   int(s[3]-'0')*10 + int(s[4]-'0'),
	}
	if err := md.Validate(); err != nil {
		return MonthDay{}, err
	}
	return md, nil
}

func (md MonthDay) Validate() error {
	if md.Month < time.January || md.Month > time.December {
		return fmt.Errorf("month-day %s: month out of range", md)
	}
	// 2000 is a leap year so Feb 29 stays valid.
	last := time.Date(2000, md.Month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if md.Day < 1 || md.Day > last {
		return fmt.Errorf("month-day %s: day out of range", md)
	}
	return nil
}

// String formats as "MM-DD", which sorts lexically in calendar order and
// matches substr(date, 6, 5) of a stored YYYY-MM-DD date.
func (md MonthDay) String() string {
	return fmt.Sprintf("%02d-%02d", int(md.Month), md.Day)
}

// After reports whether md falls later in the calendar year than other.
func (md MonthDay) After(other MonthDay) bool {
	if md.Month != other.Month {
		return md.Month > other.Month
	}
	return md.Day > other.Day
}
