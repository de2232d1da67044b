// Package calendar models the NSE/BSE trading session: market hours in IST,
// exchange holidays, and per-underlying expiry cadence.
package calendar

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Session states derived from the wall clock and the holiday set.
type SessionState string

const (
	StatePreMarket  SessionState = "PRE_MARKET"
	StateOpen       SessionState = "OPEN"
	StatePostMarket SessionState = "POST_MARKET"
	StateHoliday    SessionState = "HOLIDAY"
	StateWeekend    SessionState = "WEEKEND"
)

// NSE/BSE cash and derivatives segments share the same session window.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// IST returns the exchange timezone. Falls back to a fixed UTC+05:30 zone on
// minimal containers without tzdata.
func IST() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.FixedZone("IST", 5*3600+30*60)
	}
	return loc
}

// Calendar answers session-state questions for a set of trading holidays.
type Calendar struct {
	loc      *time.Location
	holidays map[string]string // "2006-01-02" -> description
}

// New builds a calendar over the given holiday dates (IST calendar days).
func New(holidays map[string]string) *Calendar {
	if holidays == nil {
		holidays = map[string]string{}
	}
	return &Calendar{loc: IST(), holidays: holidays}
}

// holidayFile is the on-disk layout for the exchange holiday list.
type holidayFile struct {
	Holidays []struct {
		Date        string `json:"date"`
		Description string `json:"description"`
	} `json:"holidays"`
}

// LoadFile reads a holiday calendar from a JSON file.
func LoadFile(path string) (*Calendar, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided calendar path
	if err != nil {
		return nil, fmt.Errorf("reading holiday calendar: %w", err)
	}
	var hf holidayFile
	if err := json.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("parsing holiday calendar: %w", err)
	}
	holidays := make(map[string]string, len(hf.Holidays))
	for _, h := range hf.Holidays {
		if _, err := time.Parse("2006-01-02", h.Date); err != nil {
			return nil, fmt.Errorf("holiday date %q: %w", h.Date, err)
		}
		holidays[h.Date] = h.Description
	}
	return New(holidays), nil
}

// Location returns the calendar's timezone (IST).
func (c *Calendar) Location() *time.Location { return c.loc }

// IsHoliday reports whether t falls on an exchange holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[t.In(c.loc).Format("2006-01-02")]
	return ok
}

// IsTradingDay reports whether t is a weekday that is not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	day := t.In(c.loc)
	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return false
	}
	return !c.IsHoliday(day)
}

// SessionBounds returns the open and close instants for t's trading day.
func (c *Calendar) SessionBounds(t time.Time) (open, close time.Time) {
	day := t.In(c.loc)
	open = time.Date(day.Year(), day.Month(), day.Day(), OpenHour, OpenMinute, 0, 0, c.loc)
	close = time.Date(day.Year(), day.Month(), day.Day(), CloseHour, CloseMinute, 0, 0, c.loc)
	return open, close
}

// State classifies the instant t. Open is inclusive, close exclusive.
func (c *Calendar) State(t time.Time) SessionState {
	day := t.In(c.loc)
	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return StateWeekend
	}
	if c.IsHoliday(day) {
		return StateHoliday
	}
	open, close := c.SessionBounds(day)
	switch {
	case day.Before(open):
		return StatePreMarket
	case day.Before(close):
		return StateOpen
	default:
		return StatePostMarket
	}
}

// NextTradingDay returns the first trading day strictly after t.
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	day := t.In(c.loc)
	for {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
		}
	}
}

// ExpiryCadence selects weekly or monthly contract cycles per underlying.
type ExpiryCadence string

const (
	CadenceWeekly  ExpiryCadence = "weekly"
	CadenceMonthly ExpiryCadence = "monthly"
)

// Valid reports whether the cadence is a known value.
func (e ExpiryCadence) Valid() bool {
	return e == CadenceWeekly || e == CadenceMonthly
}
