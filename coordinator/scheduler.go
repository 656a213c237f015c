package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ao-apps/aoserv-master/telemetry"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
)

// ErrSchedulerStopped is returned for work submitted after Stop.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// PanicError carries a panic recovered from a background call. The
// dispatcher treats it as fatal for the connection.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("background call panicked: %v", e.Value)
}

type job struct {
	ctx     context.Context
	fn      func(context.Context) (Result, error)
	promise *future.Promise[Result]
}

// Scheduler runs background commands on a bounded worker pool.
type Scheduler struct {
	queue   chan *job
	wg      sync.WaitGroup
	depth   atomic.Int64
	stopped atomic.Bool
	mu      sync.RWMutex
}

// NewScheduler starts workers goroutines reading from a queue of queueSize.
func NewScheduler(workers, queueSize int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	s := &Scheduler{
		queue: make(chan *job, queueSize),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit queues fn and returns its future. It blocks while the queue is
// full until ctx is done.
func (s *Scheduler) Submit(ctx context.Context, fn func(context.Context) (Result, error)) (*future.Future[Result], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped.Load() {
		return nil, ErrSchedulerStopped
	}

	p := future.NewPromise[Result]()
	j := &job{ctx: ctx, fn: fn, promise: p}

	telemetry.BackgroundQueueDepth.Set(float64(s.depth.Add(1)))
	select {
	case s.queue <- j:
		return p.Future(), nil
	case <-ctx.Done():
		telemetry.BackgroundQueueDepth.Set(float64(s.depth.Add(-1)))
		return nil, ctx.Err()
	}
}

// Run executes fn inline for normal commands and on the pool for
// background commands, waiting for the result either way.
func (s *Scheduler) Run(ctx context.Context, qos QoS, fn func(context.Context) (Result, error)) (Result, error) {
	if qos != QoSBackground {
		return fn(ctx)
	}
	fut, err := s.Submit(ctx, fn)
	if err != nil {
		return Result{}, err
	}
	return fut.Get()
}

// Depth returns the number of queued and running background calls.
func (s *Scheduler) Depth() int {
	return int(s.depth.Load())
}

// Stop rejects new work, lets queued work finish, and waits for workers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		s.execute(j)
	}
}

func (s *Scheduler) execute(j *job) {
	defer func() {
		telemetry.BackgroundQueueDepth.Set(float64(s.depth.Add(-1)))
	}()

	if err := j.ctx.Err(); err != nil {
		j.promise.Set(Result{}, err)
		return
	}

	res, err := s.call(j)
	j.promise.Set(res, err)
}

func (s *Scheduler) call(j *job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("Background call panicked")
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	return j.fn(j.ctx)
}
