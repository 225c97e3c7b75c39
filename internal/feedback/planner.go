package feedback

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiger/handwash-assess/internal/fsm"
)

// Kind classifies a planned utterance.
type Kind string

const (
	KindTransition Kind = "transition"
	KindWarning    Kind = "warning"
	KindGuidance   Kind = "guidance"
	KindScore      Kind = "score"
)

// Utterance is one planned spoken message.
type Utterance struct {
	Kind Kind
	Text string
}

type warningKey struct {
	state fsm.State
	after time.Duration
}

// Config controls planner pacing.
type Config struct {
	Cooldown time.Duration // minimum gap between warnings, default 5s
	Now      func() time.Time
}

// Planner decides which messages to speak and when. Transition
// announcements always play; warnings respect a global cooldown and fire
// at most once per (state, delay) per state visit.
type Planner struct {
	cfg Config

	mu            sync.Mutex
	lastWarning   time.Time
	spoken        map[warningKey]struct{}
	doneAnnounced bool
}

// NewPlanner returns a planner with defaults applied.
func NewPlanner(cfg Config) *Planner {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Planner{cfg: cfg, spoken: make(map[warningKey]struct{})}
}

// Transition plans the utterances for a fired transition: the edge
// announcement, escalated re-engagement guidance after idle regressions,
// and the one-time score announcement on DONE. It also resets the
// per-visit warning bookkeeping.
func (p *Planner) Transition(transition fsm.Transition, lod int, score *fsm.Score) []Utterance {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.spoken {
		delete(p.spoken, key)
	}

	var out []Utterance
	if text, ok := TransitionMessage(transition.From, transition.To); ok {
		out = append(out, Utterance{Kind: KindTransition, Text: text})
	}
	if transition.To == fsm.StateIdle && lod > 0 {
		out = append(out, Utterance{Kind: KindGuidance, Text: Guidance(fsm.StateIdle, lod)})
	}
	if transition.To.Terminal() && !p.doneAnnounced && score != nil {
		p.doneAnnounced = true
		out = append(out, Utterance{
			Kind: KindScore,
			Text: fmt.Sprintf("Congratulations! You finished washing your hands. Your score is %d out of %d.", score.Total, score.Max),
		})
	}
	if len(out) > 0 {
		p.lastWarning = p.cfg.Now()
	}
	return out
}

// Encourage plans at most one in-state warning for the current dwell time.
func (p *Planner) Encourage(state fsm.State, timeInState time.Duration) (Utterance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	if now.Sub(p.lastWarning) < p.cfg.Cooldown {
		return Utterance{}, false
	}
	for _, warning := range Warnings(state) {
		key := warningKey{state: state, after: warning.After}
		if _, ok := p.spoken[key]; ok {
			continue
		}
		if timeInState <= warning.After {
			continue
		}
		p.spoken[key] = struct{}{}
		p.lastWarning = now
		return Utterance{Kind: KindWarning, Text: warning.Message}, true
	}
	return Utterance{}, false
}

// Reset clears all pacing state for a fresh session.
func (p *Planner) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastWarning = time.Time{}
	p.doneAnnounced = false
	for key := range p.spoken {
		delete(p.spoken, key)
	}
}
