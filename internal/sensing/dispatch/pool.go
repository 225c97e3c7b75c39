// Package dispatch owns the provider pool: round-robin assignment of frame
// and audio work units across interchangeable classify endpoints, with
// per-provider in-flight caps and failure cooldowns.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/observability/telemetry"
	"github.com/tiger/handwash-assess/internal/sensing/contracts"
)

var (
	// ErrNoProviders is returned when a pool is constructed without providers.
	ErrNoProviders = errors.New("at least one provider is required")
	// ErrClosed indicates the pool no longer accepts work units.
	ErrClosed = errors.New("dispatch pool is closed")
)

// Config controls pool behavior. Zero values take the documented defaults.
type Config struct {
	Providers    []contracts.Provider
	InFlightCap  int           // per-provider concurrent classify cap, default 1
	Cooldown     time.Duration // skip window after a classify failure, default 10s
	ResultBuffer int           // results channel capacity, default 16
	Now          func() time.Time
}

// Stats reports pool counters.
type Stats struct {
	Dispatched  int64
	Dropped     int64
	Failures    int64
	ResultDrops int64
	InFlight    int64
}

type slot struct {
	provider  contracts.Provider
	inFlight  int
	coolUntil time.Time
}

// Pool assigns each accepted work unit to exactly one provider. Completions
// are delivered asynchronously on Results; the caller controls cadence.
type Pool struct {
	cfg     Config
	results chan contracts.Result

	mu      sync.Mutex
	slots   []*slot
	nextIdx int

	seq         atomic.Int64
	dispatched  atomic.Int64
	dropped     atomic.Int64
	failures    atomic.Int64
	resultDrops atomic.Int64
	inFlight    atomic.Int64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New validates configuration and builds a pool. An empty provider list is
// a construction-time failure, never a silent default.
func New(cfg Config) (*Pool, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("%w", ErrNoProviders)
	}
	for i, provider := range cfg.Providers {
		if provider == nil {
			return nil, fmt.Errorf("provider %d is nil", i)
		}
		if err := provider.Modality().Validate(); err != nil {
			return nil, fmt.Errorf("provider %q: %w", provider.ProviderID(), err)
		}
	}
	if cfg.InFlightCap < 1 {
		cfg.InFlightCap = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.ResultBuffer < 1 {
		cfg.ResultBuffer = 16
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	slots := make([]*slot, 0, len(cfg.Providers))
	for _, provider := range cfg.Providers {
		slots = append(slots, &slot{provider: provider})
	}
	return &Pool{
		cfg:     cfg,
		results: make(chan contracts.Result, cfg.ResultBuffer),
		slots:   slots,
	}, nil
}

// Results returns the channel completed classify attempts are delivered on.
func (p *Pool) Results() <-chan contracts.Result {
	return p.results
}

// Dispatch hands the work unit to the next eligible provider in rotation.
// When every provider is capped, cooling down, or of the wrong modality, the
// unit is dropped and Dispatch returns false: freshness over completeness.
func (p *Pool) Dispatch(payload contracts.Payload) (bool, error) {
	if p.closed.Load() {
		return false, fmt.Errorf("%w", ErrClosed)
	}
	if err := payload.Validate(); err != nil {
		return false, err
	}

	now := p.cfg.Now()
	picked := p.reserve(payload.Modality, now)
	if picked == nil {
		p.dropped.Add(1)
		telemetry.DefaultEmitter().EmitMetric(
			telemetry.MetricDispatchDropsTotal, 1, "count",
			map[string]string{"modality": string(payload.Modality)},
			telemetry.Correlation{Modality: string(payload.Modality)},
		)
		return false, nil
	}

	p.dispatched.Add(1)
	p.inFlight.Add(1)
	seq := p.seq.Add(1)
	p.wg.Add(1)
	go p.call(picked, payload, seq)
	return true, nil
}

// Drain waits for in-flight classify calls to finish, then closes Results.
func (p *Pool) Drain(ctx context.Context) error {
	p.closed.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		close(p.results)
		return nil
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Dispatched:  p.dispatched.Load(),
		Dropped:     p.dropped.Load(),
		Failures:    p.failures.Load(),
		ResultDrops: p.resultDrops.Load(),
		InFlight:    p.inFlight.Load(),
	}
}

// reserve picks the next provider in rotation that matches the modality, is
// under its in-flight cap, and is not cooling down.
func (p *Pool) reserve(modality contracts.Modality, now time.Time) *slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	for probe := 0; probe < len(p.slots); probe++ {
		candidate := p.slots[p.nextIdx]
		p.nextIdx = (p.nextIdx + 1) % len(p.slots)
		if candidate.provider.Modality() != modality {
			continue
		}
		if candidate.inFlight >= p.cfg.InFlightCap {
			continue
		}
		if now.Before(candidate.coolUntil) {
			continue
		}
		candidate.inFlight++
		return candidate
	}
	return nil
}

func (p *Pool) call(s *slot, payload contracts.Payload, seq int64) {
	defer p.wg.Done()
	defer p.inFlight.Add(-1)

	start := p.cfg.Now()
	classified, err := s.provider.Classify(payload)
	finished := p.cfg.Now()

	p.mu.Lock()
	s.inFlight--
	if err != nil {
		s.coolUntil = finished.Add(p.cfg.Cooldown)
	}
	p.mu.Unlock()

	correlation := telemetry.Correlation{
		ProviderID: s.provider.ProviderID(),
		Modality:   string(payload.Modality),
	}
	telemetry.DefaultEmitter().EmitMetric(
		telemetry.MetricProviderRTTMS,
		float64(finished.Sub(start).Milliseconds()),
		"ms", nil, correlation,
	)

	result := contracts.Result{
		Modality:   payload.Modality,
		ProviderID: s.provider.ProviderID(),
		Sequence:   seq,
		Timestamp:  finished,
	}
	if err != nil {
		p.failures.Add(1)
		result.Cues = payload.Modality.ZeroCues()
		result.Fallback = true
		result.Reason = err.Error()
		telemetry.DefaultEmitter().EmitMetric(
			telemetry.MetricProviderCooldownsTotal, 1, "count", nil, correlation)
		telemetry.DefaultEmitter().EmitLog(
			"provider_cooldown", "warn",
			fmt.Sprintf("classify failed, cooling down %s", p.cfg.Cooldown),
			map[string]string{"reason": err.Error()}, correlation)
	} else {
		result.Cues = cues.Normalize(classified, payload.Modality.Vocabulary())
	}

	select {
	case p.results <- result:
	default:
		p.resultDrops.Add(1)
	}
}
