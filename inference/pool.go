package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/meowid/breed-service/metrics"
)

const (
	DefaultPoolSize       = 2
	DefaultAcquireTimeout = 5 * time.Second
	HealthCheckPeriod     = 60 * time.Second

	maxRecordedErrors = 10
)

// SessionPool hands out exclusive sessions. A session that fails is discarded
// rather than released, and the health check replaces it.
type SessionPool struct {
	sessions chan *ModelSession
	size     int
	factory  func() (*ModelSession, error)
	timeout  time.Duration

	mu         sync.Mutex
	live       int
	closed     *atomic.Bool
	done       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	TotalDiscarded  int64
	AcquireFailures int64
	WaitTime        time.Duration
}

// NewSessionPool creates size sessions up front and fails if any of them cannot be created.
func NewSessionPool(size int, timeout time.Duration, factory func() (*ModelSession, error)) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	pool := &SessionPool{
		sessions: make(chan *ModelSession, size),
		size:     size,
		factory:  factory,
		timeout:  timeout,
		closed:   atomic.NewBool(false),
		done:     make(chan struct{}),
		metrics:  &PoolMetrics{},
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}
	metrics.SessionPoolSize.Set(float64(size))

	go pool.healthCheck(HealthCheckPeriod)

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("pool is closed")
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		p.metrics.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.metrics.mu.Unlock()
		metrics.SessionPoolInUse.Inc()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.AcquireFailures++
		p.metrics.mu.Unlock()
		metrics.SessionAcquireFailureCount.Inc()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session *ModelSession) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.metrics.mu.Unlock()
	metrics.SessionPoolInUse.Dec()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		p.live--
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed mid-run.
func (p *SessionPool) Discard(session *ModelSession, cause error) {
	p.metrics.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalDiscarded++
	p.metrics.mu.Unlock()
	metrics.SessionPoolInUse.Dec()

	session.Destroy()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.recordError(cause)
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed.CAS(false, true) {
		return
	}
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		p.live--
		session.Destroy()
	}
	metrics.SessionPoolSize.Set(0)
}

func (p *SessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish recreates discarded sessions until the pool is back at size.
func (p *SessionPool) replenish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.live < p.size && !p.closed.Load() {
		session, err := p.factory()
		if err != nil {
			p.recordErrorLocked(err)
			return
		}
		p.live++
		p.sessions <- session
	}
	metrics.SessionPoolSize.Set(float64(p.live))
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordErrorLocked(err)
}

func (p *SessionPool) recordErrorLocked(err error) {
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

// LastErrors returns the most recent session failures, oldest first.
func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool) Size() int { return p.size }

// Live is the number of sessions currently owned by the pool, idle or acquired.
func (p *SessionPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *SessionPool) GetMetrics() PoolMetrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolMetrics{
		InUse:           p.metrics.InUse,
		TotalAcquired:   p.metrics.TotalAcquired,
		TotalReleased:   p.metrics.TotalReleased,
		TotalDiscarded:  p.metrics.TotalDiscarded,
		AcquireFailures: p.metrics.AcquireFailures,
		WaitTime:        p.metrics.WaitTime,
	}
}
