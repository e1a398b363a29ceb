package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const DefaultAcquireTimeout = 5 * time.Second

var (
	ErrPoolClosed     = errors.New("session pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

type destroyer interface {
	Destroy()
}

// PoolStats is a point-in-time snapshot of pool usage.
type PoolStats struct {
	Size            int   `json:"size"`
	InUse           int   `json:"in_use"`
	TotalAcquired   int64 `json:"total_acquired"`
	TotalReleased   int64 `json:"total_released"`
	AcquireFailures int64 `json:"acquire_failures"`
}

// sessionPool hands out exclusive access to a fixed set of sessions.
type sessionPool[S destroyer] struct {
	sessions chan S
	size     int
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	stats  PoolStats
}

func newSessionPool[S destroyer](size int, timeout time.Duration, create func() (S, error)) (*sessionPool[S], error) {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	p := &sessionPool[S]{
		sessions: make(chan S, size),
		size:     size,
		timeout:  timeout,
		stats:    PoolStats{Size: size},
	}

	for i := 0; i < size; i++ {
		s, err := create()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		p.sessions <- s
	}

	return p, nil
}

func (p *sessionPool[S]) Acquire(ctx context.Context) (S, error) {
	var zero S

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return zero, ErrPoolClosed
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case s, ok := <-p.sessions:
		if !ok {
			return zero, ErrPoolClosed
		}
		p.mu.Lock()
		p.stats.InUse++
		p.stats.TotalAcquired++
		p.mu.Unlock()
		return s, nil
	case <-timer.C:
		p.recordFailure()
		return zero, ErrAcquireTimeout
	case <-ctx.Done():
		p.recordFailure()
		return zero, ctx.Err()
	}
}

func (p *sessionPool[S]) Release(s S) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.InUse--
	p.stats.TotalReleased++

	if p.closed {
		s.Destroy()
		return
	}
	p.sessions <- s
}

// Close destroys idle sessions now; sessions still checked out are destroyed
// on Release.
func (p *sessionPool[S]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.sessions)

	for s := range p.sessions {
		s.Destroy()
	}
}

func (p *sessionPool[S]) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func (p *sessionPool[S]) recordFailure() {
	p.mu.Lock()
	p.stats.AcquireFailures++
	p.mu.Unlock()
}
