package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestScheduler(start time.Time) (*Scheduler, *fakeClock) {
	clock := &fakeClock{t: start}
	s := New(time.Hour, time.UTC, zap.NewNop())
	s.now = clock.now
	return s, clock
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("16:30")
	require.NoError(t, err)
	assert.Equal(t, 16, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"", "24:00", "7pm", "16:61"} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestRunsOncePerDay(t *testing.T) {
	s, clock := newTestScheduler(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))

	var runs int32
	require.NoError(t, s.ScheduleDaily("16:30", func() { atomic.AddInt32(&runs, 1) }))

	s.runPending()
	assert.Zero(t, atomic.LoadInt32(&runs))

	clock.t = time.Date(2024, 6, 1, 16, 30, 0, 0, time.UTC)
	s.runPending()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	clock.t = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	s.runPending()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	clock.t = time.Date(2024, 6, 2, 16, 31, 0, 0, time.UTC)
	s.runPending()
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestScheduledAfterTimeWaitsForTomorrow(t *testing.T) {
	s, clock := newTestScheduler(time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC))

	var runs int32
	require.NoError(t, s.ScheduleDaily("16:30", func() { atomic.AddInt32(&runs, 1) }))

	s.runPending()
	assert.Zero(t, atomic.LoadInt32(&runs))

	clock.t = time.Date(2024, 6, 2, 16, 30, 0, 0, time.UTC)
	s.runPending()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestPanickingJobDoesNotStopLoop(t *testing.T) {
	s, clock := newTestScheduler(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))

	var runs int32
	require.NoError(t, s.ScheduleDaily("10:00", func() { panic("boom") }))
	require.NoError(t, s.ScheduleDaily("10:00", func() { atomic.AddInt32(&runs, 1) }))

	clock.t = clock.t.Add(time.Second)
	assert.NotPanics(t, s.runPending)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestStartStop(t *testing.T) {
	s := New(10*time.Millisecond, time.UTC, zap.NewNop())
	fired := make(chan struct{}, 1)
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, s.ScheduleDaily("12:00", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}))

	s.Start(context.Background())
	s.Start(context.Background())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("job did not fire")
	}

	s.Stop()
	s.Stop()
	assert.Empty(t, s.jobs)
}
