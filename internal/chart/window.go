package chart

import (
	"fmt"
	"net/url"
	"strconv"
)

// Named windows understood by the backend. Bare positive integers are also
// accepted and mean a trailing number of hours.
const (
	Window24h   = "24h"
	Window7d    = "7d"
	Window30d   = "30d"
	Window365d  = "365d"
	WindowMonth = "month"
	WindowYear  = "year"
)

// Window selects the chart range.
type Window struct {
	Duration string `json:"duration"`
	Month    int    `json:"month,omitempty"` // only for "month"
	Year     int    `json:"year,omitempty"`  // for "month" and "year"
}

// ParseWindow validates a window from its query-string parts. An empty
// duration selects def. Empty month and year let the backend use the current one.
func ParseWindow(duration, month, year, def string) (Window, error) {
	if duration == "" {
		duration = def
	}

	w := Window{Duration: duration}
	switch duration {
	case Window24h, Window7d, Window30d, Window365d:
		return w, nil
	case WindowMonth, WindowYear:
	default:
		hours, err := strconv.Atoi(duration)
		if err != nil || hours <= 0 {
			return Window{}, fmt.Errorf("invalid chart duration %q", duration)
		}
		return w, nil
	}

	if year != "" {
		y, err := strconv.Atoi(year)
		if err != nil || y < 1970 || y > 9999 {
			return Window{}, fmt.Errorf("invalid chart year %q", year)
		}
		w.Year = y
	}
	if duration == WindowMonth && month != "" {
		m, err := strconv.Atoi(month)
		if err != nil || m < 1 || m > 12 {
			return Window{}, fmt.Errorf("invalid chart month %q", month)
		}
		w.Month = m
	}
	return w, nil
}

// Query returns the backend query parameters for w.
func (w Window) Query() url.Values {
	q := url.Values{"duration": {w.Duration}}
	if w.Month != 0 {
		q.Set("month", strconv.Itoa(w.Month))
	}
	if w.Year != 0 {
		q.Set("year", strconv.Itoa(w.Year))
	}
	return q
}

func (w Window) String() string {
	switch {
	case w.Month != 0 && w.Year != 0:
		return fmt.Sprintf("%s(%04d-%02d)", w.Duration, w.Year, w.Month)
	case w.Month != 0:
		return fmt.Sprintf("%s(%02d)", w.Duration, w.Month)
	case w.Year != 0:
		return fmt.Sprintf("%s(%04d)", w.Duration, w.Year)
	}
	return w.Duration
}
