package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/bringyour/docsync/patch"
)

var ErrNotBound = errors.New("synchronizer has no source")

type synchronizerConsumer struct {
	replica Replica
	session *Session
}

// Synchronizer binds one authoritative source to many consumers.
// Each consumer has its own session; one consumer's failure never blocks another.
type Synchronizer struct {
	// apply+diff is one atomic unit per tick
	mutex     sync.Mutex
	source    Replica
	consumers []*synchronizerConsumer
}

func NewSynchronizer(consumers ...Replica) *Synchronizer {
	synchronizerConsumers := make([]*synchronizerConsumer, 0, len(consumers))
	for _, consumer := range consumers {
		synchronizerConsumers = append(synchronizerConsumers, &synchronizerConsumer{
			replica: consumer,
			session: NewSession(NewId()),
		})
	}
	return &Synchronizer{
		consumers: synchronizerConsumers,
	}
}

func (self *Synchronizer) Consumers() int {
	return len(self.consumers)
}

// the tick period for this synchronizer's consumer count
func (self *Synchronizer) Period(settings *SchedulerSettings) time.Duration {
	return settings.Period(len(self.consumers))
}

// shadow of consumer `i`, for inspection
func (self *Synchronizer) Shadow(i int) patch.Doc {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.consumers[i].session.Shadow()
}

// FromSource seeds every consumer from the source's current state.
// Consumers are initialized concurrently and this returns once all of them have answered.
// A consumer that fails stays uninitialized and is retried on the next `Sync`.
func (self *Synchronizer) FromSource(ctx context.Context, source Replica) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.source = source
	snapshot := source.Get()

	var group errgroup.Group
	for _, consumer := range self.consumers {
		consumer := consumer
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return self.initialize(consumer, snapshot)
		})
	}
	return group.Wait()
}

// caller must own `consumer.session`
func (self *Synchronizer) initialize(consumer *synchronizerConsumer, snapshot patch.Doc) error {
	full := consumer.session.Initialize(snapshot)
	if err := deliverFullState(consumer.replica, full); err != nil {
		consumer.session.Reset()
		glog.Infof("[%s]initialize %s error = %s\n", TagSynchronizer, consumer.session.Id(), err)
		return fmt.Errorf("initialize consumer %s: %w", consumer.session.Id(), err)
	}
	glog.V(1).Infof("[%s]initialized %s\n", TagSynchronizer, consumer.session.Id())
	return nil
}

// Sync runs one reconciliation tick.
// Consumer edits found since the last tick are folded into the source first,
// then every consumer is brought to one snapshot of the source.
// Per consumer failures are logged and left for the next tick.
func (self *Synchronizer) Sync(ctx context.Context) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.source == nil {
		return ErrNotBound
	}

	start := time.Now()
	defer func() {
		tickDuration.WithLabelValues(originSynchronizer).Observe(time.Since(start).Seconds())
	}()

	for _, consumer := range self.consumers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !consumer.session.Initialized() {
			continue
		}
		edits := consumer.replica.Diff(consumer.session.Shadow())
		if edits.IsEmpty() {
			continue
		}
		if err := consumer.session.Absorb(edits, self.source); err != nil {
			// the consumer keeps its edits and they are folded back again next tick
			rejectedEdits.WithLabelValues(originSynchronizer).Inc()
			glog.Infof("[%s]absorb %s error = %s\n", TagSynchronizer, consumer.session.Id(), err)
		}
	}

	snapshot := self.source.Get()

	var group errgroup.Group
	for _, consumer := range self.consumers {
		consumer := consumer
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !consumer.session.Initialized() {
				self.initialize(consumer, snapshot)
				return nil
			}
			self.push(consumer, snapshot)
			return nil
		})
	}
	return group.Wait()
}

// caller must own `consumer.session`
func (self *Synchronizer) push(consumer *synchronizerConsumer, snapshot patch.Doc) {
	shadow := consumer.session.Shadow()
	delta, err := consumer.session.ProduceDelta(snapshot)
	if err != nil || delta.IsEmpty() {
		return
	}
	if err := consumer.replica.Patch(delta); err != nil {
		applyErrors.WithLabelValues(directionOutbound).Inc()
		glog.Infof("[%s]push %s error = %s\n", TagSynchronizer, consumer.session.Id(), err)
		consumer.session.Rewind(shadow)
		return
	}
	deltasSent.WithLabelValues(originSynchronizer).Inc()
}

// Bind seeds the consumers from `source` and then syncs them on a schedule
// with the period split across the consumers.
// Consumers that fail to initialize are retried by the scheduled ticks.
func Bind(ctx context.Context, scheduler *Scheduler, source Replica, consumers ...Replica) (*Synchronizer, *Schedule, error) {
	synchronizer := NewSynchronizer(consumers...)
	if err := synchronizer.FromSource(ctx, source); err != nil && ctx.Err() != nil {
		return synchronizer, nil, err
	}
	period := synchronizer.Period(scheduler.Settings())
	glog.V(1).Infof("[%s]bind consumers=%d period=%s\n", TagSynchronizer, len(consumers), period)
	schedule := scheduler.Periodic(ctx, synchronizer.Sync, period)
	return synchronizer, schedule, nil
}
