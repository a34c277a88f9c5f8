package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSource answers every month query with one entry per day of the
// requested month, open on weekdays and closed on Saturday/Sunday.
type fakeSource struct {
	loc   *time.Location
	calls int
}

func (f *fakeSource) MarketCalendar(_ context.Context, month, year int) ([]DaySchedule, error) {
	f.calls++
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, f.loc)
	days := make([]DaySchedule, 0, 31)
	for d := first; d.Month() == first.Month(); d = d.AddDate(0, 0, 1) {
		open := d.Weekday() != time.Saturday && d.Weekday() != time.Sunday
		days = append(days, DaySchedule{Date: d, Open: open})
	}
	return days, nil
}

func newTestCalendar(t *testing.T, allowPre, allowAfter bool) (*Calendar, *fakeSource) {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	src := &fakeSource{loc: loc}
	cal, err := New(src, "America/New_York", allowPre, allowAfter)
	require.NoError(t, err)
	return cal, src
}

// A known Wednesday, used as a stable trading-day anchor.
func wednesday(loc *time.Location, hour, minute int) time.Time {
	return time.Date(2026, time.March, 4, hour, minute, 0, 0, loc)
}

func TestIsTradingDaySkipsWeekends(t *testing.T) {
	cal, _ := newTestCalendar(t, false, false)
	ctx := context.Background()

	wed := wednesday(cal.Location(), 10, 0)
	open, err := cal.IsTradingDay(ctx, wed)
	require.NoError(t, err)
	require.True(t, open)

	saturday := wed.AddDate(0, 0, 3)
	open, err = cal.IsTradingDay(ctx, saturday)
	require.NoError(t, err)
	require.False(t, open)
}

func TestIsRegularHoursBoundariesInclusive(t *testing.T) {
	cal, _ := newTestCalendar(t, false, false)
	ctx := context.Background()

	atOpen := wednesday(cal.Location(), 9, 30)
	ok, err := cal.IsRegularHours(ctx, atOpen)
	require.NoError(t, err)
	require.True(t, ok)

	atClose := wednesday(cal.Location(), 16, 0)
	ok, err = cal.IsRegularHours(ctx, atClose)
	require.NoError(t, err)
	require.True(t, ok)

	beforeOpen := wednesday(cal.Location(), 9, 29)
	ok, err = cal.IsRegularHours(ctx, beforeOpen)
	require.NoError(t, err)
	require.False(t, ok)

	afterClose := wednesday(cal.Location(), 16, 1)
	ok, err = cal.IsRegularHours(ctx, afterClose)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIsOpenHonorsExtendedHoursFlags(t *testing.T) {
	ctx := context.Background()

	rthOnly, _ := newTestCalendar(t, false, false)
	preMarket := wednesday(rthOnly.Location(), 8, 0)
	ok, err := rthOnly.IsOpen(ctx, preMarket)
	require.NoError(t, err)
	require.False(t, ok)

	extended, _ := newTestCalendar(t, true, true)
	ok, err = extended.IsOpen(ctx, preMarket)
	require.NoError(t, err)
	require.True(t, ok)

	afterHours := wednesday(extended.Location(), 19, 0)
	ok, err = extended.IsOpen(ctx, afterHours)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNextOpenSkipsWeekend(t *testing.T) {
	cal, _ := newTestCalendar(t, false, false)
	ctx := context.Background()

	friday := wednesday(cal.Location(), 17, 0).AddDate(0, 0, 2)
	next, err := cal.NextOpen(ctx, friday)
	require.NoError(t, err)
	require.Equal(t, time.Monday, next.Weekday())
	require.Equal(t, 9, next.Hour())
	require.Equal(t, 30, next.Minute())
}

func TestSecondsUntilClosePositiveDuringSession(t *testing.T) {
	cal, _ := newTestCalendar(t, false, false)
	ctx := context.Background()

	mid := wednesday(cal.Location(), 12, 0)
	secs, err := cal.SecondsUntilClose(ctx, mid)
	require.NoError(t, err)
	require.InDelta(t, 4*time.Hour.Seconds(), secs, 1)
}

func TestScheduleCachesPerMonth(t *testing.T) {
	cal, src := newTestCalendar(t, false, false)
	ctx := context.Background()

	_, err := cal.IsTradingDay(ctx, wednesday(cal.Location(), 10, 0))
	require.NoError(t, err)
	_, err = cal.IsTradingDay(ctx, wednesday(cal.Location(), 11, 0))
	require.NoError(t, err)
	require.Equal(t, 1, src.calls, "second lookup within the same cached month should not refetch")
}
