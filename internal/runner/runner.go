// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runner bounds how many workflow runs execute at once. Every
// trigger path (webhooks, the manual-run API, MCP tools) goes through
// one Runner, so the process-wide ceiling holds no matter where a run
// came from. Runs execute on the caller's goroutine; the runner only
// gates entry.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quiverops/quiver/pkg/workflow"
)

// ErrDraining is returned by Run once the runner has begun draining
// for shutdown.
var ErrDraining = errors.New("runner: draining, new runs rejected")

// Engine executes one workflow run to completion.
type Engine interface {
	Run(ctx context.Context, wf *workflow.Workflow, startHandle string, payload map[string]interface{}) (uuid.UUID, error)
}

// Config contains runner configuration.
type Config struct {
	// MaxParallel is the process-wide cap on concurrent runs.
	MaxParallel int
}

// Runner is a bounded gate in front of an Engine.
type Runner struct {
	engine    Engine
	semaphore chan struct{}
	logger    *slog.Logger

	draining atomic.Bool
	active   atomic.Int64
}

// New creates a Runner around engine. A non-positive MaxParallel falls
// back to 10.
func New(cfg Config, engine Engine) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	return &Runner{
		engine:    engine,
		semaphore: make(chan struct{}, cfg.MaxParallel),
		logger:    slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = logger
	return r
}

// Run executes the workflow once a slot is free, blocking the caller
// until the run finishes. Waiting respects ctx; a caller that gives up
// before acquiring a slot never touches the engine.
func (r *Runner) Run(ctx context.Context, wf *workflow.Workflow, startHandle string, payload map[string]interface{}) (uuid.UUID, error) {
	if r.draining.Load() {
		return uuid.Nil, ErrDraining
	}

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-ctx.Done():
		r.logger.Debug("run abandoned while waiting for a slot",
			"workflow_id", wf.ID,
			"workflow_name", wf.Name,
		)
		return uuid.Nil, ctx.Err()
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	return r.engine.Run(ctx, wf, startHandle, payload)
}

// StartDraining makes all subsequent Run calls fail with ErrDraining.
// Runs already holding a slot are unaffected.
func (r *Runner) StartDraining() {
	r.draining.Store(true)
}

// Draining reports whether the runner has begun draining.
func (r *Runner) Draining() bool {
	return r.draining.Load()
}

// Active returns the number of runs currently executing.
func (r *Runner) Active() int {
	return int(r.active.Load())
}

// WaitForDrain blocks until every active run has finished or the
// timeout elapses.
func (r *Runner) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if remaining := r.Active(); remaining > 0 {
				return fmt.Errorf("drain timeout: %d run(s) still executing", remaining)
			}
			return nil
		case <-ticker.C:
			if r.Active() == 0 {
				return nil
			}
		}
	}
}
