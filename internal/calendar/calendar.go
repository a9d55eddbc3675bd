// Package calendar handles the day and month keys used by the sales ledger.
// Keys are plain strings ("2024-03-15", "2024-03") interpreted in UTC.
package calendar

import (
	"errors"
	"fmt"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
)

var ErrInvalidKey = errors.New("invalid calendar key")

// ParseDate parses a YYYY-MM-DD key.
func ParseDate(dateKey string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, dateKey, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidKey, dateKey)
	}
	return t, nil
}

// ParseMonth parses a YYYY-MM key and returns the first day of that month.
func ParseMonth(monthKey string) (time.Time, error) {
	t, err := time.ParseInLocation(MonthLayout, monthKey, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: month %q", ErrInvalidKey, monthKey)
	}
	return t, nil
}

func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func MonthKey(t time.Time) string {
	return t.UTC().Format(MonthLayout)
}

// MonthOf returns the month key containing dateKey.
func MonthOf(dateKey string) (string, error) {
	t, err := ParseDate(dateKey)
	if err != nil {
		return "", err
	}
	return MonthKey(t), nil
}

// DaysInMonth returns the number of days of the month containing t.
func DaysInMonth(t time.Time) int {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, -1).Day()
}

// PreviousMonth returns the month key before the month containing now.
func PreviousMonth(now time.Time) string {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return MonthKey(first.AddDate(0, -1, 0))
}

// Position describes where a day sits inside its month.
type Position struct {
	DayOfMonth    int `json:"day_of_month"`
	DaysInMonth   int `json:"days_in_month"`
	DaysRemaining int `json:"days_remaining"`
}

func PositionOf(t time.Time) Position {
	t = t.UTC()
	days := DaysInMonth(t)
	return Position{
		DayOfMonth:    t.Day(),
		DaysInMonth:   days,
		DaysRemaining: days - t.Day(),
	}
}
