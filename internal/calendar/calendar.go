// Package calendar evaluates trading-session boundaries for equities
// against a named exchange calendar, in the exchange's local time zone.
// Crypto instruments never consult this package: the controller treats
// them as always open.
package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	// Embeds the IANA tzdata database in the binary so calendar evaluation
	// never depends on the host's tzdata package being installed.
	_ "time/tzdata"
)

// Regular trading hours and extended-session boundaries for equities,
// expressed as offsets from local midnight. These are NYSE's fixed
// clock times; the calendar's only job beyond this is deciding which
// calendar days are trading days at all.
var (
	rthOpen         = sessionTime{9, 30}
	rthClose        = sessionTime{16, 0}
	preMarketOpen   = sessionTime{4, 0}
	afterHoursClose = sessionTime{20, 0}
)

type sessionTime struct {
	hour, minute int
}

func (s sessionTime) on(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), s.hour, s.minute, 0, 0, loc)
}

// DaySchedule describes one calendar day's trading status, as reported by
// the broker's market-calendar endpoint.
type DaySchedule struct {
	Date time.Time // date only, at local midnight in the exchange's zone
	Open bool       // false for weekends and holidays
}

// Source fetches a month's worth of day schedules from the broker. It is
// satisfied by a thin adapter over the broker adapter's own calendar call.
type Source interface {
	MarketCalendar(ctx context.Context, month, year int) ([]DaySchedule, error)
}

// Calendar answers open/closed questions for one named exchange, caching
// the current month's schedule and refreshing on a month rollover or a
// cache miss, mirroring the teacher's getMarketCalendar/
// getTodaysMarketSchedule pattern.
type Calendar struct {
	source          Source
	loc             *time.Location
	allowPreMarket  bool
	allowAfterHours bool

	mu          sync.RWMutex
	cacheMonth  int
	cacheYear   int
	cachedDays  map[string]DaySchedule
}

// New constructs a Calendar for the named IANA time zone (e.g.
// "America/New_York" for NYSE), sourcing its schedule from source.
func New(source Source, tzName string, allowPreMarket, allowAfterHours bool) (*Calendar, error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", tzName, err)
	}
	return &Calendar{
		source:          source,
		loc:             loc,
		allowPreMarket:  allowPreMarket,
		allowAfterHours: allowAfterHours,
	}, nil
}

// Location returns the exchange's local time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// scheduleFor returns the DaySchedule for t's calendar date, fetching and
// caching the containing month on a miss.
func (c *Calendar) scheduleFor(ctx context.Context, t time.Time) (DaySchedule, error) {
	local := t.In(c.loc)
	key := dateKey(local)

	c.mu.RLock()
	if day, ok := c.cachedDays[key]; ok && int(local.Month()) == c.cacheMonth && local.Year() == c.cacheYear {
		c.mu.RUnlock()
		return day, nil
	}
	c.mu.RUnlock()

	if err := c.refresh(ctx, int(local.Month()), local.Year()); err != nil {
		return DaySchedule{}, err
	}

	c.mu.RLock()
	day, ok := c.cachedDays[key]
	c.mu.RUnlock()
	if !ok {
		// Day absent from a successfully fetched month: treat as closed
		// rather than erroring, since brokers omit non-trading days.
		return DaySchedule{Date: local, Open: false}, nil
	}
	return day, nil
}

func (c *Calendar) refresh(ctx context.Context, month, year int) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	days, err := c.source.MarketCalendar(fetchCtx, month, year)
	if err != nil {
		return fmt.Errorf("fetching market calendar for %d/%d: %w", month, year, err)
	}

	byDate := make(map[string]DaySchedule, len(days))
	for _, d := range days {
		byDate[dateKey(d.Date)] = d
	}

	c.mu.Lock()
	c.cachedDays = byDate
	c.cacheMonth = month
	c.cacheYear = year
	c.mu.Unlock()
	return nil
}

// IsTradingDay reports whether t's calendar date is a trading session.
func (c *Calendar) IsTradingDay(ctx context.Context, t time.Time) (bool, error) {
	day, err := c.scheduleFor(ctx, t)
	if err != nil {
		return false, err
	}
	return day.Open, nil
}

// IsRegularHours reports whether t falls within 9:30–16:00 ET on a
// trading day. Boundaries are inclusive.
func (c *Calendar) IsRegularHours(ctx context.Context, t time.Time) (bool, error) {
	day, err := c.scheduleFor(ctx, t)
	if err != nil {
		return false, err
	}
	if !day.Open {
		return false, nil
	}
	local := t.In(c.loc)
	open := rthOpen.on(local, c.loc)
	close := rthClose.on(local, c.loc)
	return !local.Before(open) && !local.After(close), nil
}

// IsOpen reports whether t falls within the session, extended by the
// configured pre-market/after-hours flags when set.
func (c *Calendar) IsOpen(ctx context.Context, t time.Time) (bool, error) {
	day, err := c.scheduleFor(ctx, t)
	if err != nil {
		return false, err
	}
	if !day.Open {
		return false, nil
	}

	local := t.In(c.loc)
	start := rthOpen
	if c.allowPreMarket {
		start = preMarketOpen
	}
	end := rthClose
	if c.allowAfterHours {
		end = afterHoursClose
	}

	openAt := start.on(local, c.loc)
	closeAt := end.on(local, c.loc)
	return !local.Before(openAt) && !local.After(closeAt), nil
}

// NextOpen returns the next regular-session open at or after t, searching
// up to 10 calendar days ahead.
func (c *Calendar) NextOpen(ctx context.Context, t time.Time) (time.Time, error) {
	local := t.In(c.loc)
	for i := 0; i < 10; i++ {
		candidateDate := local.AddDate(0, 0, i)
		day, err := c.scheduleFor(ctx, candidateDate)
		if err != nil {
			return time.Time{}, err
		}
		if !day.Open {
			continue
		}
		open := rthOpen.on(candidateDate, c.loc)
		if !open.Before(local) {
			return open, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading day found within 10 days of %s", local.Format(time.RFC3339))
}

// NextClose returns the next regular-session close at or after t,
// searching up to 10 calendar days ahead.
func (c *Calendar) NextClose(ctx context.Context, t time.Time) (time.Time, error) {
	local := t.In(c.loc)
	for i := 0; i < 10; i++ {
		candidateDate := local.AddDate(0, 0, i)
		day, err := c.scheduleFor(ctx, candidateDate)
		if err != nil {
			return time.Time{}, err
		}
		if !day.Open {
			continue
		}
		closeAt := rthClose.on(candidateDate, c.loc)
		if closeAt.After(local) || closeAt.Equal(local) {
			return closeAt, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading day found within 10 days of %s", local.Format(time.RFC3339))
}

// SecondsUntilClose returns the number of seconds until the next regular
// session close at or after t.
func (c *Calendar) SecondsUntilClose(ctx context.Context, t time.Time) (float64, error) {
	next, err := c.NextClose(ctx, t)
	if err != nil {
		return 0, err
	}
	return next.Sub(t.In(c.loc)).Seconds(), nil
}
