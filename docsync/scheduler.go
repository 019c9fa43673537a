package docsync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

// the total reconciliation budget is split evenly across consumers,
// so adding consumers slows each consumer's tick instead of adding work
type SchedulerSettings struct {
	Budget    time.Duration
	MinPeriod time.Duration
	Clock     clockwork.Clock
}

func DefaultSchedulerSettings() *SchedulerSettings {
	return &SchedulerSettings{
		Budget:    100 * time.Millisecond,
		MinPeriod: 1 * time.Millisecond,
		Clock:     clockwork.NewRealClock(),
	}
}

// a zero period would spin the schedule
const minSchedulePeriod = time.Millisecond

// floor(budget / consumerCount) in whole milliseconds, never below `MinPeriod` or 1ms
func (self *SchedulerSettings) Period(consumerCount int) time.Duration {
	period := self.Budget
	if 0 < consumerCount {
		period = (self.Budget / time.Millisecond / time.Duration(consumerCount)) * time.Millisecond
	}
	if period < self.MinPeriod {
		period = self.MinPeriod
	}
	if period < minSchedulePeriod {
		period = minSchedulePeriod
	}
	return period
}

// the period for `consumerCount` with the default budget
func SyncPeriod(consumerCount int) time.Duration {
	return DefaultSchedulerSettings().Period(consumerCount)
}

type TaskFunction func(ctx context.Context) error

// generic interval driver. It knows nothing about what the task does.
type Scheduler struct {
	settings *SchedulerSettings
}

func NewSchedulerWithDefaults() *Scheduler {
	return NewScheduler(DefaultSchedulerSettings())
}

func NewScheduler(settings *SchedulerSettings) *Scheduler {
	if settings.Clock == nil {
		settings.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		settings: settings,
	}
}

func (self *Scheduler) Settings() *SchedulerSettings {
	return self.settings
}

func (self *Scheduler) Period(consumerCount int) time.Duration {
	return self.settings.Period(consumerCount)
}

// Periodic runs `task` every `period` until `ctx` is done or the schedule is closed.
func (self *Scheduler) Periodic(ctx context.Context, task TaskFunction, period time.Duration) *Schedule {
	return self.PeriodicFunc(ctx, task, func() time.Duration {
		return period
	})
}

// PeriodicFunc reads the period before each wait, so the cadence follows `periodFn`.
// A task error or panic is logged and the schedule continues.
func (self *Scheduler) PeriodicFunc(ctx context.Context, task TaskFunction, periodFn func() time.Duration) *Schedule {
	cancelCtx, cancel := context.WithCancel(ctx)
	schedule := &Schedule{
		ctx:    cancelCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go schedule.run(self.settings.Clock, task, periodFn)
	return schedule
}

type Schedule struct {
	ctx    context.Context
	cancel context.CancelFunc

	ticks  atomic.Uint64
	errors atomic.Uint64
	done   chan struct{}
}

func (self *Schedule) run(clock clockwork.Clock, task TaskFunction, periodFn func() time.Duration) {
	defer close(self.done)
	defer self.cancel()

	for {
		period := periodFn()
		select {
		case <-self.ctx.Done():
			return
		case <-clock.After(period):
		}

		HandleError(TagScheduler, func() {
			if err := task(self.ctx); err != nil {
				self.errors.Add(1)
				if self.ctx.Err() == nil {
					glog.Infof("[%s]task error = %s\n", TagScheduler, err)
				}
			}
		}, func() {
			self.errors.Add(1)
		})
		self.ticks.Add(1)
	}
}

func (self *Schedule) Ticks() uint64 {
	return self.ticks.Load()
}

func (self *Schedule) Errors() uint64 {
	return self.errors.Load()
}

func (self *Schedule) Done() <-chan struct{} {
	return self.done
}

func (self *Schedule) Close() {
	self.cancel()
}
