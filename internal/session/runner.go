// Package session owns the per-session control loop: it folds classify
// results into the merge stage, drives the assessment engine, and turns
// transitions into spoken feedback and log entries.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/tiger/handwash-assess/internal/feedback"
	"github.com/tiger/handwash-assess/internal/fsm"
	"github.com/tiger/handwash-assess/internal/observability/telemetry"
	"github.com/tiger/handwash-assess/internal/report"
	"github.com/tiger/handwash-assess/internal/sensing/dispatch"
	"github.com/tiger/handwash-assess/internal/sensing/merge"
)

// Config wires one session runner. Pool, Merge, and Engine are required.
type Config struct {
	Pool    *dispatch.Pool
	Merge   *merge.Stage
	Engine  *fsm.Engine
	Planner *feedback.Planner
	Speaker feedback.Speaker
	Logger  *report.Logger

	// MinTickInterval bounds how long the engine can go without a tick
	// when no fresh results arrive, so idle regression still fires with
	// every provider dark. Default 500ms.
	MinTickInterval time.Duration
}

// Runner is the single-owner session loop. Exactly one goroutine runs Run;
// Reset and Snapshot are safe from other goroutines.
type Runner struct {
	cfg Config
}

// New validates the wiring and returns a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Pool == nil || cfg.Merge == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("pool, merge stage, and engine are required")
	}
	if cfg.Planner == nil {
		cfg.Planner = feedback.NewPlanner(feedback.Config{})
	}
	if cfg.Speaker == nil {
		cfg.Speaker = feedback.NopSpeaker{}
	}
	if cfg.MinTickInterval <= 0 {
		cfg.MinTickInterval = 500 * time.Millisecond
	}
	return &Runner{cfg: cfg}, nil
}

// Run consumes pool results until the context is cancelled or the pool's
// result channel closes after a drain.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.MinTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-r.cfg.Pool.Results():
			if !ok {
				return nil
			}
			applied, err := r.cfg.Merge.Observe(result)
			if err != nil {
				telemetry.DefaultEmitter().EmitLog(
					"merge_reject", "warn", err.Error(), nil,
					telemetry.Correlation{ProviderID: result.ProviderID, Modality: string(result.Modality)},
				)
				continue
			}
			if applied {
				r.tick(ctx)
			}
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick evaluates the engine once against the current merged snapshot and
// acts on the outcome.
func (r *Runner) tick(ctx context.Context) {
	snapshot := r.cfg.Merge.Snapshot()
	transition, fired := r.cfg.Engine.Tick(snapshot)
	if fired {
		if r.cfg.Logger != nil {
			r.cfg.Logger.Transition(transition, snapshot.Merged)
		}
		var score *fsm.Score
		if transition.To.Terminal() {
			if s, ok := r.cfg.Engine.Score(); ok {
				score = &s
			}
		}
		for _, utterance := range r.cfg.Planner.Transition(transition, r.cfg.Engine.LoD(), score) {
			r.speak(ctx, utterance)
		}
		return
	}

	state := r.cfg.Engine.Snapshot()
	if utterance, ok := r.cfg.Planner.Encourage(state.State, state.TimeInState); ok {
		r.speak(ctx, utterance)
	}
}

func (r *Runner) speak(ctx context.Context, utterance feedback.Utterance) {
	if err := r.cfg.Speaker.Speak(ctx, utterance); err != nil {
		telemetry.DefaultEmitter().EmitLog(
			"tts_error", "warn", err.Error(),
			map[string]string{"kind": string(utterance.Kind)},
			telemetry.Correlation{State: string(r.cfg.Engine.State())},
		)
	}
}

// Reset restarts the session: fresh engine state, empty merge cells, and
// cleared feedback pacing.
func (r *Runner) Reset() {
	// Merge first: a concurrent tick against stale cues must not re-fire
	// a transition on the freshly reset engine.
	r.cfg.Merge.Reset()
	r.cfg.Engine.Reset()
	r.cfg.Planner.Reset()
}

// Snapshot returns the engine's current session view.
func (r *Runner) Snapshot() fsm.Snapshot {
	return r.cfg.Engine.Snapshot()
}
