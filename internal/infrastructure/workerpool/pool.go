package workerpool

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/smarties/backend/internal/domain"
)

// ErrPoolClosed is returned when submitting to a released pool
var ErrPoolClosed = errors.New("worker pool closed")

// ErrPoolOverload is returned when a non-blocking pool has no free worker
var ErrPoolOverload = errors.New("worker pool overloaded")

const (
	defaultCapacity = 64
	defaultExpiry   = 10 * time.Second
)

// Config holds configuration for the worker pool
type Config struct {
	Capacity    int
	Expiry      time.Duration
	Nonblocking bool
}

// Pool bounds the number of goroutines used for candidate scoring
type Pool struct {
	pool   *ants.Pool
	closed atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// New creates a pool. Task panics are recovered and logged.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultExpiry
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{}
	pool, err := ants.NewPool(cfg.Capacity,
		ants.WithExpiryDuration(cfg.Expiry),
		ants.WithNonblocking(cfg.Nonblocking),
		ants.WithPanicHandler(func(r interface{}) {
			p.panics.Add(1)
			logger.Error("worker panic recovered", zap.Any("panic", r))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// Submit queues task for execution
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	err := p.pool.Submit(func() {
		defer p.completed.Add(1)
		task()
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			p.rejected.Add(1)
			return ErrPoolOverload
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrPoolClosed
		}
		return err
	}
	p.submitted.Add(1)
	return nil
}

// Stats returns a snapshot of the counters
func (p *Pool) Stats() domain.WorkerStats {
	return domain.WorkerStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
		Running:   p.pool.Running(),
		Capacity:  p.pool.Cap(),
	}
}

// Release waits up to timeout for running tasks and closes the pool
func (p *Pool) Release(timeout time.Duration) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if timeout <= 0 {
		p.pool.Release()
		return nil
	}
	return p.pool.ReleaseTimeout(timeout)
}
