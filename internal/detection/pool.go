// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package detection

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kestrelwatch/kestrel/internal/logging"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("detection: pool closed")

// Future is the pending result of a submitted detection run.
type Future struct {
	done   chan struct{}
	alerts []AlertEvent
	err    error
}

// Wait blocks until the run completes or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]AlertEvent, error) {
	select {
	case <-f.done:
		return f.alerts, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) complete(alerts []AlertEvent, err error) {
	f.alerts = alerts
	f.err = err
	close(f.done)
}

type task struct {
	ctx    context.Context
	input  RunInput
	future *Future
}

// PoolConfig configures the detection worker pool.
type PoolConfig struct {
	// Workers is the number of worker goroutines. Zero runs every
	// submission inline on the caller's goroutine.
	Workers int `koanf:"workers"`

	// QueueSize bounds pending submissions.
	QueueSize int `koanf:"queue_size"`

	// RunsPerSecond rate-limits run starts. Zero disables limiting.
	RunsPerSecond float64 `koanf:"runs_per_second"`
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:       4,
		QueueSize:     64,
		RunsPerSecond: 0,
	}
}

// Pool runs detection either inline or on a bounded worker pool. The
// same RunDetection executes unchanged in both modes; callers interact
// only with futures.
type Pool struct {
	engine  *Engine
	config  PoolConfig
	limiter *rate.Limiter
	tasks   chan task

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool around an engine and starts its workers.
func NewPool(engine *Engine, config PoolConfig) *Pool {
	p := &Pool{engine: engine, config: config}
	if config.RunsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(config.RunsPerSecond), 1)
	}
	if config.Workers > 0 {
		queue := config.QueueSize
		if queue <= 0 {
			queue = 64
		}
		p.tasks = make(chan task, queue)
		for i := 0; i < config.Workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
		logging.Info().Int("workers", config.Workers).Int("queue", queue).Msg("detection pool started")
	}
	return p
}

// Submit queues a detection run and returns its future. In inline mode
// the run completes before Submit returns.
func (p *Pool) Submit(ctx context.Context, input RunInput) *Future {
	f := &Future{done: make(chan struct{})}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		f.complete(nil, ErrPoolClosed)
		return f
	}

	if p.tasks == nil {
		p.execute(ctx, input, f)
		return f
	}

	select {
	case p.tasks <- task{ctx: ctx, input: input, future: f}:
	case <-ctx.Done():
		f.complete(nil, ctx.Err())
	}
	return f
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.execute(t.ctx, t.input, t.future)
	}
}

func (p *Pool) execute(ctx context.Context, input RunInput, f *Future) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			f.complete(nil, err)
			return
		}
	}
	alerts, err := p.engine.RunDetection(ctx, input)
	f.complete(alerts, err)
}

// Close stops accepting submissions and waits for in-flight runs.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.tasks != nil {
		close(p.tasks)
		p.wg.Wait()
	}
}
