package docsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"
)

func TestSchedulerPeriod(t *testing.T) {
	settings := DefaultSchedulerSettings()

	assert.Equal(t, 100*time.Millisecond, settings.Period(1))
	assert.Equal(t, 50*time.Millisecond, settings.Period(2))
	assert.Equal(t, 33*time.Millisecond, settings.Period(3))
	assert.Equal(t, 14*time.Millisecond, settings.Period(7))
	assert.Equal(t, 1*time.Millisecond, settings.Period(100))
	// floor(100 / 200) is zero
	assert.Equal(t, 1*time.Millisecond, settings.Period(200))
	assert.Equal(t, 100*time.Millisecond, settings.Period(0))

	assert.Equal(t, 25*time.Millisecond, SyncPeriod(4))
	assert.Equal(t, 20*time.Millisecond, NewSchedulerWithDefaults().Period(5))

	settings.Budget = time.Second
	assert.Equal(t, 333*time.Millisecond, settings.Period(3))

	// never zero, whatever the settings
	settings.Budget = 10 * time.Millisecond
	settings.MinPeriod = 0
	assert.Equal(t, 1*time.Millisecond, settings.Period(50))
	settings.Budget = 0
	assert.Equal(t, 1*time.Millisecond, settings.Period(0))
	assert.Equal(t, 1*time.Millisecond, settings.Period(3))
}

func newFakeScheduler() (*Scheduler, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	settings := DefaultSchedulerSettings()
	settings.Clock = clock
	return NewScheduler(settings), clock
}

func waitForTicks(t *testing.T, schedule *Schedule, ticks uint64) {
	timeout := time.After(5 * time.Second)
	for schedule.Ticks() < ticks {
		select {
		case <-timeout:
			t.Fatalf("ticks %d < %d", schedule.Ticks(), ticks)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSchedulerPeriodic(t *testing.T) {
	scheduler, clock := newFakeScheduler()

	runs := make(chan struct{}, 16)
	schedule := scheduler.Periodic(context.Background(), func(ctx context.Context) error {
		runs <- struct{}{}
		return nil
	}, 10*time.Millisecond)
	defer schedule.Close()

	for i := 1; i <= 3; i += 1 {
		clock.BlockUntil(1)
		// not yet due
		clock.Advance(5 * time.Millisecond)
		assert.Equal(t, uint64(i-1), schedule.Ticks())
		clock.Advance(5 * time.Millisecond)
		<-runs
		waitForTicks(t, schedule, uint64(i))
	}
	assert.Equal(t, uint64(0), schedule.Errors())
}

func TestSchedulerErrorsContinue(t *testing.T) {
	scheduler, clock := newFakeScheduler()

	n := 0
	schedule := scheduler.Periodic(context.Background(), func(ctx context.Context) error {
		n += 1
		if n == 1 {
			return errors.New("tick failed")
		}
		if n == 2 {
			panic("tick panicked")
		}
		return nil
	}, 10*time.Millisecond)
	defer schedule.Close()

	for i := 1; i <= 3; i += 1 {
		clock.BlockUntil(1)
		clock.Advance(10 * time.Millisecond)
		waitForTicks(t, schedule, uint64(i))
	}
	assert.Equal(t, uint64(2), schedule.Errors())
}

func TestSchedulerPeriodicFunc(t *testing.T) {
	scheduler, clock := newFakeScheduler()

	consumerCount := 1
	periods := make(chan int, 1)
	schedule := scheduler.PeriodicFunc(context.Background(), func(ctx context.Context) error {
		return nil
	}, func() time.Duration {
		select {
		case n := <-periods:
			consumerCount = n
		default:
		}
		return scheduler.Period(consumerCount)
	})
	defer schedule.Close()

	// the first period was read before the first wait
	clock.BlockUntil(1)
	periods <- 4
	clock.Advance(100 * time.Millisecond)
	waitForTicks(t, schedule, 1)

	clock.BlockUntil(1)
	clock.Advance(25 * time.Millisecond)
	waitForTicks(t, schedule, 2)
}

func TestSchedulerClose(t *testing.T) {
	scheduler, _ := newFakeScheduler()

	schedule := scheduler.Periodic(context.Background(), func(ctx context.Context) error {
		return nil
	}, time.Hour)
	schedule.Close()

	select {
	case <-schedule.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("schedule did not stop")
	}
	assert.Equal(t, uint64(0), schedule.Ticks())

	ctx, cancel := context.WithCancel(context.Background())
	schedule = scheduler.Periodic(ctx, func(ctx context.Context) error {
		return nil
	}, time.Hour)
	cancel()
	select {
	case <-schedule.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("schedule did not stop")
	}
}
