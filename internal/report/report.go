// Package report persists session logs and renders the end-of-session
// assessment report.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/fsm"
)

// Event is one logged session occurrence.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	FromState fsm.State `json:"from_state,omitempty"`
	ToState   fsm.State `json:"to_state,omitempty"`
	State     fsm.State `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Cues      cues.Map  `json:"cues,omitempty"`
}

// historySpan is the serialized form of one state stay.
type historySpan struct {
	State     fsm.State  `json:"state"`
	EnteredAt time.Time  `json:"enter_time"`
	ExitedAt  *time.Time `json:"exit_time"`
	Reason    string     `json:"reason,omitempty"`
}

type sessionLog struct {
	SessionID    string        `json:"session_id"`
	StateHistory []historySpan `json:"state_history"`
	Events       []Event       `json:"events"`
}

// Logger accumulates transition and cue events for one session and writes
// them out as a single JSON document.
type Logger struct {
	now       func() time.Time
	sessionID string

	mu     sync.Mutex
	events []Event
}

// NewLogger starts a session log. The session id is derived from the
// clock so consecutive sessions land in distinct files.
func NewLogger(now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{
		now:       now,
		sessionID: fmt.Sprintf("session_%d", now().Unix()),
	}
}

// SessionID returns the log's stable session identifier.
func (l *Logger) SessionID() string { return l.sessionID }

// Transition records a fired transition with the cue map that caused it.
func (l *Logger) Transition(transition fsm.Transition, merged cues.Map) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{
		Type:      "transition",
		Timestamp: transition.At,
		FromState: transition.From,
		ToState:   transition.To,
		Reason:    transition.Reason,
		Cues:      merged.Clone(),
	})
}

// Cues records a periodic cue snapshot.
func (l *Logger) Cues(state fsm.State, merged cues.Map) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{
		Type:      "cues",
		Timestamp: l.now(),
		State:     state,
		Cues:      merged.Clone(),
	})
}

// Events returns a copy of the recorded events.
func (l *Logger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Save writes the full session log to <dir>/<session_id>.json and returns
// the written path.
func (l *Logger) Save(dir string, snapshot fsm.Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	doc := sessionLog{
		SessionID:    l.sessionID,
		StateHistory: serializeHistory(snapshot.History),
		Events:       l.Events(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode session log: %w", err)
	}
	path := filepath.Join(dir, l.sessionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write session log: %w", err)
	}
	return path, nil
}

func serializeHistory(history []fsm.Span) []historySpan {
	out := make([]historySpan, 0, len(history))
	for _, span := range history {
		serialized := historySpan{
			State:     span.State,
			EnteredAt: span.EnteredAt,
			Reason:    span.Reason,
		}
		if !span.ExitedAt.IsZero() {
			exited := span.ExitedAt
			serialized.ExitedAt = &exited
		}
		out = append(out, serialized)
	}
	return out
}

const rulerWidth = 50

// Render writes the human-readable assessment report for a finished or
// in-progress session.
func Render(w io.Writer, snapshot fsm.Snapshot) error {
	var b strings.Builder
	ruler := strings.Repeat("=", rulerWidth)
	divider := strings.Repeat("-", rulerWidth)

	b.WriteString(ruler + "\n")
	b.WriteString("  HAND WASHING ASSESSMENT REPORT\n")
	b.WriteString(ruler + "\n\n")

	if len(snapshot.History) == 0 {
		b.WriteString("No session data recorded.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	t0 := snapshot.History[0].EnteredAt
	last := snapshot.History[len(snapshot.History)-1]
	end := last.EnteredAt
	if !last.ExitedAt.IsZero() {
		end = last.ExitedAt
	}
	fmt.Fprintf(&b, "Total session time: %.1fs\n", end.Sub(t0).Seconds())
	fmt.Fprintf(&b, "States visited: %d\n", len(snapshot.History))
	completed := "No"
	if snapshot.State.Terminal() {
		completed = "Yes"
	}
	fmt.Fprintf(&b, "Completed: %s\n\n", completed)

	b.WriteString(divider + "\n")
	b.WriteString("  STATE BREAKDOWN\n")
	b.WriteString(divider + "\n")
	for _, span := range snapshot.History {
		start := span.EnteredAt.Sub(t0).Seconds()
		exit := last.EnteredAt
		if !span.ExitedAt.IsZero() {
			exit = span.ExitedAt
		}
		stop := exit.Sub(t0).Seconds()
		fmt.Fprintf(&b, "  %-16s %6.1fs - %6.1fs  (%.1fs)\n", span.State, start, stop, stop-start)
	}
	b.WriteString("\n")

	if snapshot.Score != nil {
		visited := make(map[fsm.State]bool, len(snapshot.Score.Details))
		for _, detail := range snapshot.Score.Details {
			visited[detail.State] = true
		}
		b.WriteString(divider + "\n")
		b.WriteString("  SCORE\n")
		b.WriteString(divider + "\n")
		for _, state := range fsm.StateOrder {
			max, scored := fsm.Points(state)
			if !scored {
				continue
			}
			points, status := 0, "MISS"
			if visited[state] {
				points, status = max, "PASS"
			}
			fmt.Fprintf(&b, "  %-16s %3d/%3d  [%s]\n", state, points, max, status)
		}
		fmt.Fprintf(&b, "\n  TOTAL: %d/%d\n", snapshot.Score.Total, snapshot.Score.Max)
	}
	b.WriteString("\n" + ruler + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteText renders the report into <dir>/report.txt and returns the path.
func WriteText(dir string, snapshot fsm.Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, "report.txt")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	defer f.Close()
	if err := Render(f, snapshot); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return path, nil
}
