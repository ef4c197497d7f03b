// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kestrelwatch/kestrel/internal/observation"
)

func poolEngine() *Engine {
	e := NewEngine(DefaultEngineConfig(), nil, func() time.Time { return runNow })
	e.RegisterDetector(newFixedDetector(KindCUSUM, 0.9))
	return e
}

func poolInput(subjectID string) RunInput {
	snap := &observation.Snapshot{SubjectID: subjectID}
	for i := 0; i < 10; i++ {
		snap.Tracking = append(snap.Tracking, observation.TrackingEntry{
			Metric: "m", Value: 5, Timestamp: runNow.Add(-time.Duration(10-i) * time.Hour),
		})
	}
	return RunInput{Snapshot: snap, Now: runNow}
}

func TestPoolInlineMode(t *testing.T) {
	t.Parallel()

	pool := NewPool(poolEngine(), PoolConfig{Workers: 0})
	defer pool.Close()

	future := pool.Submit(context.Background(), poolInput("s1"))
	alerts, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts))
	}
}

func TestPoolWorkerMode(t *testing.T) {
	t.Parallel()

	pool := NewPool(poolEngine(), PoolConfig{Workers: 3, QueueSize: 16})
	defer pool.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			future := pool.Submit(ctx, poolInput(fmt.Sprintf("s%d", n)))
			alerts, err := future.Wait(ctx)
			if err != nil {
				errs <- err
				return
			}
			if len(alerts) != 1 {
				errs <- fmt.Errorf("subject s%d: %d alerts", n, len(alerts))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestPoolSubmitAfterClose(t *testing.T) {
	t.Parallel()

	pool := NewPool(poolEngine(), PoolConfig{Workers: 2})
	pool.Close()

	future := pool.Submit(context.Background(), poolInput("s1"))
	if _, err := future.Wait(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	pool := NewPool(poolEngine(), PoolConfig{Workers: 2})
	pool.Close()
	pool.Close()
}

func TestPoolWaitHonorsContext(t *testing.T) {
	t.Parallel()

	pool := NewPool(poolEngine(), PoolConfig{Workers: 1})
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	future := &Future{done: make(chan struct{})} // never completed
	if _, err := future.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPoolRateLimitedSubmissionAborts(t *testing.T) {
	t.Parallel()

	// One run per minute with burst 1: the second run waits, and its
	// cancelled context aborts the wait.
	pool := NewPool(poolEngine(), PoolConfig{Workers: 0, RunsPerSecond: 1.0 / 60})
	defer pool.Close()

	if _, err := pool.Submit(context.Background(), poolInput("s1")).Wait(context.Background()); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Submit(ctx, poolInput("s2")).Wait(context.Background()); err == nil {
		t.Error("rate-limited run with cancelled context should fail")
	}
}
