package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/feedback"
	"github.com/tiger/handwash-assess/internal/fsm"
	"github.com/tiger/handwash-assess/internal/report"
	"github.com/tiger/handwash-assess/internal/sensing/contracts"
	"github.com/tiger/handwash-assess/internal/sensing/dispatch"
	"github.com/tiger/handwash-assess/internal/sensing/merge"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(1700000000, 0).Add(at)
}

// scriptedProvider returns whatever cue map the test scripted last.
type scriptedProvider struct {
	id       string
	modality contracts.Modality

	mu   sync.Mutex
	cues cues.Map
}

func (p *scriptedProvider) ProviderID() string           { return p.id }
func (p *scriptedProvider) Modality() contracts.Modality { return p.modality }

func (p *scriptedProvider) Classify(contracts.Payload) (cues.Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cues.Clone(), nil
}

func (p *scriptedProvider) set(c cues.Map) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cues = c
}

// sessionHarness wires the real dispatch pool, merge stage, engine,
// planner, and logger around scripted providers and a fake clock.
type sessionHarness struct {
	clock   *fakeClock
	visual  *scriptedProvider
	audio   *scriptedProvider
	pool    *dispatch.Pool
	stage   *merge.Stage
	engine  *fsm.Engine
	planner *feedback.Planner
	logger  *report.Logger

	transitions []fsm.Transition
	utterances  []feedback.Utterance
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()

	clock := newFakeClock()
	visual := &scriptedProvider{id: "vlm-0", modality: contracts.ModalityVisual, cues: cues.Map{}}
	audio := &scriptedProvider{id: "yamnet-0", modality: contracts.ModalityAudio, cues: cues.Map{}}

	pool, err := dispatch.New(dispatch.Config{
		Providers: []contracts.Provider{visual, audio},
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected pool error: %v", err)
	}
	engine, err := fsm.New(fsm.Config{Now: clock.Now})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return &sessionHarness{
		clock:   clock,
		visual:  visual,
		audio:   audio,
		pool:    pool,
		stage:   merge.NewStage(),
		engine:  engine,
		planner: feedback.NewPlanner(feedback.Config{Now: clock.Now}),
		logger:  report.NewLogger(clock.Now),
	}
}

// step runs one sensing round at the given session offset: both providers
// classify, both results merge, and the engine ticks once.
func (h *sessionHarness) step(t *testing.T, at time.Duration, visualCues, audioCues cues.Map) {
	t.Helper()

	h.clock.Set(at)
	h.visual.set(visualCues)
	h.audio.set(audioCues)

	for _, payload := range []contracts.Payload{
		{Modality: contracts.ModalityVisual, Data: []byte("jpeg")},
		{Modality: contracts.ModalityAudio, Data: []byte("pcm")},
	} {
		accepted, err := h.pool.Dispatch(payload)
		if err != nil {
			t.Fatalf("unexpected dispatch error at %v: %v", at, err)
		}
		if !accepted {
			t.Fatalf("work unit dropped at %v", at)
		}
		select {
		case result := <-h.pool.Results():
			if _, err := h.stage.Observe(result); err != nil {
				t.Fatalf("unexpected merge error at %v: %v", at, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no classify result at %v", at)
		}
	}

	transition, fired := h.engine.Tick(h.stage.Snapshot())
	if !fired {
		return
	}
	h.transitions = append(h.transitions, transition)
	snapshot := h.stage.Snapshot()
	h.logger.Transition(transition, snapshot.Merged)
	var score *fsm.Score
	if transition.To.Terminal() {
		if s, ok := h.engine.Score(); ok {
			score = &s
		}
	}
	h.utterances = append(h.utterances, h.planner.Transition(transition, h.engine.LoD(), score)...)
}

func (h *sessionHarness) stepEvery(t *testing.T, from, to time.Duration, visualCues, audioCues cues.Map) {
	t.Helper()
	for at := from; at <= to; at += 500 * time.Millisecond {
		h.step(t, at, visualCues, audioCues)
	}
}

func TestThoroughSessionEndToEnd(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t)

	washingVisual := cues.Map{cues.HandsVisible: 0.9, cues.HandsUnderWater: 0.9}
	soapingVisual := cues.Map{cues.HandsVisible: 0.9, cues.HandsOnSoap: 0.9}
	towelVisual := cues.Map{cues.HandsVisible: 0.9, cues.TowelDrying: 0.9}
	handsOnly := cues.Map{cues.HandsVisible: 0.9}
	waterAudio := cues.Map{cues.WaterSound: 0.9}
	quietAudio := cues.Map{}

	h.stepEvery(t, 0, 1500*time.Millisecond, washingVisual, waterAudio)
	h.step(t, 2*time.Second, soapingVisual, quietAudio)
	h.stepEvery(t, 2500*time.Millisecond, 9*time.Second, washingVisual, waterAudio)
	h.stepEvery(t, 9500*time.Millisecond, 11*time.Second, towelVisual, quietAudio)
	h.step(t, 12500*time.Millisecond, handsOnly, quietAudio)

	want := []fsm.State{
		fsm.StateWashing,
		fsm.StateSoaping,
		fsm.StateRinsing,
		fsm.StateRinsingOK,
		fsm.StateTowelDrying,
		fsm.StateDone,
	}
	if len(h.transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), h.transitions)
	}
	for i, state := range want {
		if h.transitions[i].To != state {
			t.Fatalf("transition %d: expected %s, got %s", i, state, h.transitions[i].To)
		}
	}

	score, ok := h.engine.Score()
	if !ok {
		t.Fatalf("expected a final score after DONE")
	}
	if score.Total != 79 || score.Max != 100 {
		t.Fatalf("expected score 79/100, got %d/%d", score.Total, score.Max)
	}

	foundScoreLine := false
	for _, utterance := range h.utterances {
		if utterance.Kind == feedback.KindScore && strings.Contains(utterance.Text, "79 out of 100") {
			foundScoreLine = true
		}
	}
	if !foundScoreLine {
		t.Fatalf("expected a spoken score announcement, got %+v", h.utterances)
	}
}

func TestThoroughSessionArtifacts(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t)
	washingVisual := cues.Map{cues.HandsVisible: 0.9, cues.HandsUnderWater: 0.9}
	waterAudio := cues.Map{cues.WaterSound: 0.9}
	soapingVisual := cues.Map{cues.HandsVisible: 0.9, cues.HandsOnSoap: 0.9}
	towelVisual := cues.Map{cues.HandsVisible: 0.9, cues.TowelDrying: 0.9}
	handsOnly := cues.Map{cues.HandsVisible: 0.9}

	h.stepEvery(t, 0, 1500*time.Millisecond, washingVisual, waterAudio)
	h.step(t, 2*time.Second, soapingVisual, cues.Map{})
	h.stepEvery(t, 2500*time.Millisecond, 9*time.Second, washingVisual, waterAudio)
	h.stepEvery(t, 9500*time.Millisecond, 11*time.Second, towelVisual, cues.Map{})
	h.step(t, 12500*time.Millisecond, handsOnly, cues.Map{})

	snapshot := h.engine.Snapshot()

	var rendered bytes.Buffer
	if err := report.Render(&rendered, snapshot); err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	out := rendered.String()
	if !strings.Contains(out, "TOTAL: 79/100") {
		t.Fatalf("expected final score in report, got:\n%s", out)
	}
	if !strings.Contains(out, "RINSING_THOROUGH") || !strings.Contains(out, "MISS") {
		t.Fatalf("expected the skipped rinse upgrade flagged, got:\n%s", out)
	}

	tmp := t.TempDir()
	logPath, err := h.logger.Save(tmp, snapshot)
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	var sessionLog struct {
		SessionID string `json:"session_id"`
		Events    []struct {
			Type    string `json:"type"`
			ToState string `json:"to_state"`
		} `json:"events"`
	}
	if err := json.Unmarshal(raw, &sessionLog); err != nil {
		t.Fatalf("decode session log: %v", err)
	}
	if sessionLog.SessionID == "" {
		t.Fatalf("expected a session id in %s", logPath)
	}
	finished := false
	for _, event := range sessionLog.Events {
		if event.ToState == string(fsm.StateDone) {
			finished = true
		}
	}
	if !finished {
		t.Fatalf("expected a DONE transition event in the session log, got %+v", sessionLog.Events)
	}
	if filepath.Ext(logPath) != ".json" {
		t.Fatalf("expected a json session log, got %s", logPath)
	}
}

func TestPoolDrainEndsCleanly(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t)
	if err := h.pool.Drain(context.Background()); err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if _, open := <-h.pool.Results(); open {
		t.Fatalf("expected results channel closed after drain")
	}
}
