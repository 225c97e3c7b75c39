package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/observability/telemetry"
)

// Config controls engine timing behavior. Values are immutable after New.
type Config struct {
	Table           []Rule
	IdleTimeout     time.Duration // continuous low-cue window before regression, default 5s
	LowCueThreshold float64       // activity threshold, default 0.3
	MaxLoD          int           // guidance level cap, default 2
	MaxHistory      int           // bounded event backlog, default 512
	Now             func() time.Time
}

// Span is one event-log entry: a stay in a state with its entry cause.
// ExitedAt is zero while the stay is current.
type Span struct {
	State     State
	EnteredAt time.Time
	ExitedAt  time.Time
	Reason    string
}

// Transition reports one fired rule.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Snapshot is a consistent read-only view of the session, taken under one
// lock. Score is non-nil only once DONE is reached.
type Snapshot struct {
	State        State
	EnteredAt    time.Time
	TimeInState  time.Duration
	SessionStart time.Time
	Visited      []State
	LoD          int
	History      []Span
	Score        *Score
}

// Engine is the single-owner session state holder. One goroutine drives
// Tick; Snapshot and Reset are safe from any goroutine at any time.
type Engine struct {
	cfg Config

	mu           sync.Mutex
	state        State
	enteredAt    time.Time
	sessionStart time.Time
	visited      map[State]struct{}
	lod          int
	sustainSince map[string]time.Time
	lastActivity time.Time
	history      []Span
}

// New validates the transition table and returns an engine in IDLE.
func New(cfg Config) (*Engine, error) {
	if cfg.Table == nil {
		cfg.Table = DefaultTable()
	}
	if err := ValidateTable(cfg.Table); err != nil {
		return nil, fmt.Errorf("transition table: %w", err)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	if cfg.LowCueThreshold <= 0 {
		cfg.LowCueThreshold = 0.3
	}
	if cfg.MaxLoD < 1 {
		cfg.MaxLoD = 2
	}
	if cfg.MaxHistory < 1 {
		cfg.MaxHistory = 512
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{cfg: cfg}
	e.initLocked(cfg.Now())
	return e, nil
}

func (e *Engine) initLocked(now time.Time) {
	e.state = StateIdle
	e.enteredAt = now
	e.sessionStart = now
	e.visited = map[State]struct{}{StateIdle: {}}
	e.lod = 0
	e.sustainSince = make(map[string]time.Time)
	e.lastActivity = now
	e.history = []Span{{State: StateIdle, EnteredAt: now, Reason: "session start"}}
}

// Tick advances the engine by exactly one evaluation of the merged
// snapshot. At most one transition fires per tick. The idle-regression
// check runs first and outranks forward rules.
func (e *Engine) Tick(snapshot cues.Snapshot) (Transition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Terminal() {
		return Transition{}, false
	}

	now := e.cfg.Now()
	merged := snapshot.Merged

	if e.state != StateIdle {
		if e.hasActivity(merged) {
			e.lastActivity = now
		} else if now.Sub(e.lastActivity) >= e.cfg.IdleTimeout {
			if e.lod < e.cfg.MaxLoD {
				e.lod++
			}
			transition := e.transitionLocked(StateIdle, "idle timeout", now)
			telemetry.DefaultEmitter().EmitMetric(
				telemetry.MetricIdleRegressionsTotal, 1, "count",
				map[string]string{"lod": fmt.Sprintf("%d", e.lod)},
				telemetry.Correlation{State: string(StateIdle)},
			)
			return transition, true
		}
	}

	timeInState := now.Sub(e.enteredAt)
	for _, rule := range e.cfg.Table {
		if !rule.appliesTo(e.state) {
			continue
		}
		key := rule.key()
		if !rule.When(merged) {
			delete(e.sustainSince, key)
			continue
		}
		since, tracked := e.sustainSince[key]
		if !tracked {
			since = now
			e.sustainSince[key] = since
		}
		if rule.Sustain > 0 && now.Sub(since) < rule.Sustain {
			continue
		}
		if rule.MinInState > 0 && timeInState < rule.MinInState {
			continue
		}
		return e.transitionLocked(rule.Target, rule.Reason, now), true
	}
	return Transition{}, false
}

// Reset atomically restores the initial session state (IDLE, LoD 0, empty
// visited set). Safe to call concurrently with Tick; an in-flight tick
// completes before the reset applies.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initLocked(e.cfg.Now())
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LoD returns the current guidance level of detail (0-2).
func (e *Engine) LoD() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lod
}

// Snapshot returns a consistent copy of the session state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	visited := make([]State, 0, len(e.visited))
	for _, state := range StateOrder {
		if _, ok := e.visited[state]; ok {
			visited = append(visited, state)
		}
	}
	history := make([]Span, len(e.history))
	copy(history, e.history)

	snapshot := Snapshot{
		State:        e.state,
		EnteredAt:    e.enteredAt,
		TimeInState:  e.cfg.Now().Sub(e.enteredAt),
		SessionStart: e.sessionStart,
		Visited:      visited,
		LoD:          e.lod,
		History:      history,
	}
	if e.state.Terminal() {
		score := computeScore(e.visited)
		snapshot.Score = &score
	}
	return snapshot
}

// hasActivity reports whether any activity cue of the current state is
// above the low-cue threshold. States without activity cues never idle out.
func (e *Engine) hasActivity(merged cues.Map) bool {
	keys := ActivityCues(e.state)
	if len(keys) == 0 {
		return true
	}
	for _, key := range keys {
		if merged.Get(key) > e.cfg.LowCueThreshold {
			return true
		}
	}
	return false
}

// sustainedFor reports how long a rule's predicate has held, 0 when not held.
func (e *Engine) sustainedFor(rule Rule) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	since, ok := e.sustainSince[rule.key()]
	if !ok {
		return 0
	}
	return e.cfg.Now().Sub(since)
}

func (e *Engine) transitionLocked(target State, reason string, now time.Time) Transition {
	from := e.state
	if n := len(e.history); n > 0 {
		e.history[n-1].ExitedAt = now
	}
	e.state = target
	e.enteredAt = now
	e.visited[target] = struct{}{}
	e.history = append(e.history, Span{State: target, EnteredAt: now, Reason: reason})
	if len(e.history) > e.cfg.MaxHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
	}
	for key := range e.sustainSince {
		delete(e.sustainSince, key)
	}
	e.lastActivity = now

	telemetry.DefaultEmitter().EmitMetric(
		telemetry.MetricTransitionsTotal, 1, "count",
		map[string]string{"from": string(from), "to": string(target)},
		telemetry.Correlation{State: string(target)},
	)
	telemetry.DefaultEmitter().EmitLog(
		"transition", "info",
		fmt.Sprintf("%s -> %s (%s)", from, target, reason),
		nil, telemetry.Correlation{State: string(target)},
	)
	return Transition{From: from, To: target, Reason: reason, At: now}
}
