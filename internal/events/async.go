package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/sbpm/internal/observability"
	"github.com/pitabwire/sbpm/model"
)

// AsyncSink hands events to a bounded worker pool so that slow consumers
// never hold up the unit of work that produced them. The caller's context
// values (logger, span) are kept but its cancellation is not.
//
// Publish only enqueues. Consumers running on the pool may therefore
// publish again (a provider advancing a task does) without waiting for a
// free worker.
type AsyncSink struct {
	name    string
	next    Sink
	pool    *ants.Pool
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	queue  []queued
	closed bool
	wake   chan struct{}
	stop   chan struct{}
	fed    chan struct{}
	wg     sync.WaitGroup
}

type queued struct {
	ctx context.Context
	ev  model.LifecycleEvent
}

// NewAsyncSink creates an asynchronous wrapper around next with the given
// number of workers.
func NewAsyncSink(name string, next Sink, workers int, logger *zap.Logger, metrics *observability.Metrics) (*AsyncSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{
		name:    name,
		next:    next,
		logger:  logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		fed:     make(chan struct{}),
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p any) {
		s.metrics.RecordEventSinkFailure(s.name)
		s.logger.Error("event consumer panicked", zap.String("sink", s.name), zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("creating %s worker pool: %w", name, err)
	}
	s.pool = pool
	go s.feed()
	return s, nil
}

// Publish implements Sink.
func (s *AsyncSink) Publish(ctx context.Context, ev model.LifecycleEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.drop(ev, errors.New("sink closed"))
		return
	}
	s.wg.Add(1)
	s.queue = append(s.queue, queued{ctx: context.WithoutCancel(ctx), ev: ev})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// feed moves queued events onto the pool, waiting for free workers.
func (s *AsyncSink) feed() {
	defer close(s.fed)
	for {
		select {
		case <-s.stop:
			s.discard()
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			item := s.queue[0]
			s.queue[0] = queued{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			err := s.pool.Submit(func() {
				defer s.wg.Done()
				s.next.Publish(item.ctx, item.ev)
			})
			if err != nil {
				s.wg.Done()
				s.drop(item.ev, err)
			}
		}
	}
}

// discard drops events still queued after Close gave up waiting.
func (s *AsyncSink) discard() {
	s.mu.Lock()
	rest := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, item := range rest {
		s.wg.Done()
		s.drop(item.ev, ants.ErrPoolClosed)
	}
}

func (s *AsyncSink) drop(ev model.LifecycleEvent, err error) {
	s.metrics.RecordEventSinkFailure(s.name)
	s.logger.Error("dropping lifecycle event",
		zap.String("sink", s.name),
		zap.String("kind", string(ev.Kind)),
		zap.String("instance_id", ev.ProcessInstanceID),
		zap.Error(err),
	)
}

// Wait blocks until every published event has been handled, including the
// events published by consumers while Wait was blocked.
func (s *AsyncSink) Wait() {
	s.wg.Wait()
}

// Pending returns the number of events published but not yet handled.
func (s *AsyncSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + s.pool.Running()
}

// Running returns the number of busy workers.
func (s *AsyncSink) Running() int {
	return s.pool.Running()
}

// Close stops accepting events and waits up to timeout for the ones in
// flight.
func (s *AsyncSink) Close(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("%s: events still in flight after %s", s.name, timeout)
	}
	// Releasing the pool unblocks a feeder waiting for a worker.
	close(s.stop)
	if rerr := s.pool.ReleaseTimeout(timeout); rerr != nil && !errors.Is(rerr, ants.ErrPoolClosed) {
		err = errors.Join(err, rerr)
	}
	<-s.fed
	return err
}
