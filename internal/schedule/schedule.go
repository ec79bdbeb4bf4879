// Package schedule answers whether an instrument is in a non-trading period.
// Windows are written the way dealing desks write them:
//
//	Fri 21:00-Sun 21:00   weekly, may wrap over the week end
//	2025-12-25            a whole-day holiday
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidWindow   = errors.New("schedule: invalid window")
	ErrInvalidTimezone = errors.New("schedule: invalid timezone")
)

// windowRegex matches: {Day} {HH}:{MM}-{Day} {HH}:{MM}
// Example: Fri 21:00-Sun 21:00
var windowRegex = regexp.MustCompile(
	`^(Sun|Mon|Tue|Wed|Thu|Fri|Sat) ([01]\d|2[0-3]):([0-5]\d)-(Sun|Mon|Tue|Wed|Thu|Fri|Sat) ([01]\d|2[0-3]|24):([0-5]\d)$`,
)

// holidayRegex matches: YYYY-MM-DD
var holidayRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

var weekdays = map[string]time.Weekday{
	"Sun": time.Sunday,
	"Mon": time.Monday,
	"Tue": time.Tuesday,
	"Wed": time.Wednesday,
	"Thu": time.Thursday,
	"Fri": time.Friday,
	"Sat": time.Saturday,
}

const week = 7 * 24 * time.Hour

// Window is a weekly recurring closed period, as offsets from Sunday 00:00.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// ParseWindow parses a weekly window.
func ParseWindow(s string) (Window, error) {
	m := windowRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Window{}, fmt.Errorf("%w: %q (expected \"Fri 21:00-Sun 21:00\")", ErrInvalidWindow, s)
	}
	start := weekOffset(m[1], m[2], m[3])
	end := weekOffset(m[4], m[5], m[6])
	if start == end {
		return Window{}, fmt.Errorf("%w: %q is empty", ErrInvalidWindow, s)
	}
	return Window{Start: start, End: end}, nil
}

func weekOffset(day, hh, mm string) time.Duration {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	return time.Duration(weekdays[day])*24*time.Hour + time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}

// Contains reports whether t (already in the schedule's zone) falls in w.
func (w Window) Contains(t time.Time) bool {
	pos := time.Duration(t.Weekday())*24*time.Hour +
		time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
	start, end := w.Start%week, w.End%week
	if start < end {
		return pos >= start && pos < end
	}
	// Wraps over Saturday night.
	return pos >= start || pos < end
}

// Config lists the non-trading periods. Assets maps an instrument to its
// own windows; an instrument listed with no windows trades around the clock
// and ignores holidays.
type Config struct {
	Timezone string
	Default  []string
	Assets   map[string][]string
	Holidays []string
}

// Schedule is an immutable set of parsed windows.
type Schedule struct {
	loc      *time.Location
	defaults []Window
	assets   map[string][]Window
	holidays map[string]bool
	now      func() time.Time
}

// New parses cfg.
func New(cfg Config) (*Schedule, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, cfg.Timezone)
		}
		loc = l
	}

	s := &Schedule{
		loc:      loc,
		assets:   make(map[string][]Window, len(cfg.Assets)),
		holidays: make(map[string]bool, len(cfg.Holidays)),
		now:      time.Now,
	}

	var err error
	if s.defaults, err = parseWindows(cfg.Default); err != nil {
		return nil, err
	}
	for asset, raw := range cfg.Assets {
		ws, err := parseWindows(raw)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset, err)
		}
		s.assets[asset] = ws
	}
	for _, h := range cfg.Holidays {
		h = strings.TrimSpace(h)
		if !holidayRegex.MatchString(h) {
			return nil, fmt.Errorf("%w: holiday %q (expected YYYY-MM-DD)", ErrInvalidWindow, h)
		}
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return nil, fmt.Errorf("%w: holiday %q", ErrInvalidWindow, h)
		}
		s.holidays[h] = true
	}
	return s, nil
}

func parseWindows(raw []string) ([]Window, error) {
	out := make([]Window, 0, len(raw))
	for _, r := range raw {
		w, err := ParseWindow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// IsDayOff reports whether the instrument is closed at t.
func (s *Schedule) IsDayOff(assetPairID string, t time.Time) bool {
	t = t.In(s.loc)
	windows, own := s.assets[assetPairID]
	if !own {
		if s.holidays[t.Format("2006-01-02")] {
			return true
		}
		windows = s.defaults
	}
	for _, w := range windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// IsDayOffNow reports whether the instrument is closed right now.
func (s *Schedule) IsDayOffNow(assetPairID string) bool {
	return s.IsDayOff(assetPairID, s.now())
}
