package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// SynchlingPoolConfig holds configuration for the worker pool.
type SynchlingPoolConfig struct {
	// Size is the number of workers (default: 10)
	Size int

	// Timeout bounds how long Get waits for a free worker (default: 30s)
	Timeout time.Duration

	// Factory builds a worker with the given id
	Factory func(id int) *Synchling

	Logger *slog.Logger
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Timeout     time.Duration
	Active      int
	Gets        int64
	WaitTime    time.Duration
	GetFailures int64
	Capacity    int
	Available   int
}

// SynchlingPool is a bounded set of pre-built workers.
type SynchlingPool struct {
	mu       sync.Mutex
	free     chan *Synchling
	active   map[int]*Synchling
	size     int
	nextID   int
	timeout  time.Duration
	factory  func(id int) *Synchling
	logger   *slog.Logger
	gets     atomic.Int64
	failures atomic.Int64
	waitNs   atomic.Int64
}

// NewSynchlingPool creates a pool and builds all of its workers.
func NewSynchlingPool(cfg SynchlingPoolConfig) *SynchlingPool {
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &SynchlingPool{
		free:    make(chan *Synchling, cfg.Size),
		active:  make(map[int]*Synchling),
		size:    cfg.Size,
		timeout: cfg.Timeout,
		factory: cfg.Factory,
		logger:  cfg.Logger,
	}
	for i := 0; i < cfg.Size; i++ {
		p.free <- p.build()
	}
	return p
}

// build must be called with mu held or before the pool is shared.
func (p *SynchlingPool) build() *Synchling {
	p.nextID++
	return p.factory(p.nextID)
}

// Get checks a worker out, waiting up to the configured timeout.
// It returns domain.ErrTimeout when no worker became free in time.
func (p *SynchlingPool) Get(ctx context.Context) (*Synchling, error) {
	start := time.Now()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		free := p.free
		p.mu.Unlock()

		select {
		case s, ok := <-free:
			if !ok {
				// resized while waiting
				continue
			}
			p.mu.Lock()
			p.active[s.ID()] = s
			p.mu.Unlock()
			p.gets.Add(1)
			p.waitNs.Add(int64(time.Since(start)))
			return s, nil
		case <-timer.C:
			p.failures.Add(1)
			return nil, fmt.Errorf("no synchling free after %s: %w", p.timeout, domain.ErrTimeout)
		case <-ctx.Done():
			p.failures.Add(1)
			return nil, ctx.Err()
		}
	}
}

// GetNoError is Get returning nil instead of an error.
func (p *SynchlingPool) GetNoError(ctx context.Context) *Synchling {
	s, err := p.Get(ctx)
	if err != nil {
		return nil
	}
	return s
}

// Add returns a worker. It is discarded if the pool is already full.
func (p *SynchlingPool) Add(s *Synchling) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, s.ID())
	select {
	case p.free <- s:
	default:
		p.logger.Debug("pool full, discarding synchling", "synchling", s.ID())
	}
}

// Resize changes the pool capacity. Free workers move to the new pool;
// it is topped up with new workers when growing.
func (p *SynchlingPool) Resize(size int) {
	if size <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.free
	next := make(chan *Synchling, size)
	moved := 0
drain:
	for {
		select {
		case s := <-old:
			if moved+len(p.active) < size {
				next <- s
				moved++
			}
		default:
			break drain
		}
	}
	for moved+len(p.active) < size {
		next <- p.build()
		moved++
	}

	p.free = next
	p.size = size
	close(old)
	p.logger.Info("synchling pool resized", "size", size, "active", len(p.active))
}

// WaitForDrain blocks until no worker is checked out or ctx is done.
func (p *SynchlingPool) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.Active() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d synchlings still active: %w", p.Active(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Active returns the number of checked-out workers.
func (p *SynchlingPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Stats returns a snapshot of the pool counters.
func (p *SynchlingPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Timeout:     p.timeout,
		Active:      len(p.active),
		Gets:        p.gets.Load(),
		WaitTime:    time.Duration(p.waitNs.Load()),
		GetFailures: p.failures.Load(),
		Capacity:    p.size,
		Available:   len(p.free),
	}
}
