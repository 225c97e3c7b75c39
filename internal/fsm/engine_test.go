package fsm

import (
	"sync"
	"testing"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func snap(pairs map[string]float64) cues.Snapshot {
	merged := make(cues.Map)
	for _, key := range cues.VisualKeys {
		merged[key] = 0
	}
	for _, key := range cues.AudioKeys {
		merged[key] = 0
	}
	for key, value := range pairs {
		merged[key] = value
	}
	return cues.Snapshot{Merged: merged}
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	engine, err := New(Config{Now: clk.Now})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engine, clk
}

// holdUntil ticks the same cue map every 500ms until the engine reaches
// want, failing after 15 simulated seconds.
func holdUntil(t *testing.T, e *Engine, clk *fakeClock, pairs map[string]float64, want State) {
	t.Helper()
	for i := 0; i < 30; i++ {
		e.Tick(snap(pairs))
		if e.State() == want {
			return
		}
		clk.Advance(500 * time.Millisecond)
	}
	t.Fatalf("never reached %s, stuck in %s", want, e.State())
}

var (
	washingCues = map[string]float64{
		cues.HandsVisible:    0.9,
		cues.HandsUnderWater: 0.9,
		cues.WaterSound:      0.9,
	}
	soapingCues = map[string]float64{
		cues.HandsVisible: 0.9,
		cues.HandsOnSoap:  0.9,
	}
	towelCues = map[string]float64{
		cues.HandsVisible: 0.9,
		cues.TowelDrying:  0.9,
	}
)

func completeSession(t *testing.T, e *Engine, clk *fakeClock) {
	t.Helper()
	holdUntil(t, e, clk, washingCues, StateWashing)
	holdUntil(t, e, clk, soapingCues, StateSoaping)
	holdUntil(t, e, clk, washingCues, StateRinsing)
	holdUntil(t, e, clk, washingCues, StateRinsingOK)
	holdUntil(t, e, clk, towelCues, StateTowelDrying)
	holdUntil(t, e, clk, map[string]float64{cues.HandsVisible: 0.9}, StateDone)
}

func TestCompleteSessionReachesDoneWithScore(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	completeSession(t, engine, clk)

	score, ok := engine.Score()
	if !ok {
		t.Fatalf("expected score available after DONE")
	}
	if score.Total != 79 {
		t.Fatalf("expected total 79 for the washed+soaped+rinsed-ok+towel path, got %d", score.Total)
	}
	if score.Max != MaxScore {
		t.Fatalf("expected max %d, got %d", MaxScore, score.Max)
	}
}

func TestDoneIsTerminal(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	completeSession(t, engine, clk)

	for i := 0; i < 5; i++ {
		clk.Advance(2 * time.Second)
		if _, fired := engine.Tick(snap(washingCues)); fired {
			t.Fatalf("transition fired out of DONE")
		}
	}
	if engine.State() != StateDone {
		t.Fatalf("left DONE: %s", engine.State())
	}
}

func TestSustainResetsToZeroOnFalseTick(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	engine.Tick(snap(washingCues))
	clk.Advance(time.Second)
	engine.Tick(snap(nil)) // condition drops mid-sustain
	clk.Advance(400 * time.Millisecond)

	// 1.4s have passed since the first true tick, but the counter
	// restarted, so the transition must not fire yet.
	if _, fired := engine.Tick(snap(washingCues)); fired {
		t.Fatalf("sustain survived a false tick")
	}
	if engine.State() != StateIdle {
		t.Fatalf("expected IDLE, got %s", engine.State())
	}
	clk.Advance(1300 * time.Millisecond)
	if _, fired := engine.Tick(snap(washingCues)); !fired {
		t.Fatalf("expected transition after a full fresh sustain window")
	}
	if engine.State() != StateWashing {
		t.Fatalf("expected WASHING, got %s", engine.State())
	}
}

func TestRinseUpgradeRequiresMinTimeInState(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	holdUntil(t, engine, clk, washingCues, StateWashing)
	holdUntil(t, engine, clk, soapingCues, StateSoaping)
	holdUntil(t, engine, clk, washingCues, StateRinsing)

	clk.Advance(4 * time.Second)
	engine.Tick(snap(washingCues))
	if engine.State() != StateRinsing {
		t.Fatalf("upgraded before the minimum rinse time: %s", engine.State())
	}
	clk.Advance(time.Second)
	engine.Tick(snap(washingCues))
	if engine.State() != StateRinsingOK {
		t.Fatalf("expected RINSING_OK after 5s of active rinsing, got %s", engine.State())
	}
}

func TestRinseUpgradeRequiresActiveRinsing(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	holdUntil(t, engine, clk, washingCues, StateWashing)
	holdUntil(t, engine, clk, soapingCues, StateSoaping)
	holdUntil(t, engine, clk, washingCues, StateRinsing)

	// Hands stay visible so the session is not idle, but the water is off:
	// time in state alone must not earn the upgrade.
	idleHands := map[string]float64{cues.HandsVisible: 0.9}
	clk.Advance(6 * time.Second)
	engine.Tick(snap(idleHands))
	if engine.State() != StateRinsing {
		t.Fatalf("upgrade fired without active rinsing: %s", engine.State())
	}
}

func TestRinseUpgradeOutranksResoap(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	holdUntil(t, engine, clk, washingCues, StateWashing)
	holdUntil(t, engine, clk, soapingCues, StateSoaping)
	holdUntil(t, engine, clk, washingCues, StateRinsing)

	clk.Advance(5 * time.Second)
	both := map[string]float64{
		cues.HandsVisible:    0.9,
		cues.HandsUnderWater: 0.9,
		cues.WaterSound:      0.9,
		cues.HandsOnSoap:     0.9,
	}
	engine.Tick(snap(both))
	if engine.State() != StateRinsingOK {
		t.Fatalf("expected quality upgrade to win over re-soap, got %s", engine.State())
	}
}

func TestIdleRegressionRaisesGuidanceLevelOnce(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	holdUntil(t, engine, clk, washingCues, StateWashing)

	// No activity for the full idle window: exactly one regression, one
	// guidance bump.
	for i := 0; i < 12; i++ {
		clk.Advance(500 * time.Millisecond)
		engine.Tick(snap(nil))
	}
	if engine.State() != StateIdle {
		t.Fatalf("expected regression to IDLE, got %s", engine.State())
	}
	if engine.LoD() != 1 {
		t.Fatalf("expected LoD 1 after one regression, got %d", engine.LoD())
	}

	// IDLE itself never idles out further.
	clk.Advance(time.Minute)
	engine.Tick(snap(nil))
	if engine.LoD() != 1 {
		t.Fatalf("LoD bumped while already idle: %d", engine.LoD())
	}
}

func TestGuidanceLevelCapped(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	for round := 0; round < 4; round++ {
		holdUntil(t, engine, clk, washingCues, StateWashing)
		for i := 0; i < 12; i++ {
			clk.Advance(500 * time.Millisecond)
			engine.Tick(snap(nil))
		}
		if engine.State() != StateIdle {
			t.Fatalf("round %d: expected IDLE, got %s", round, engine.State())
		}
	}
	if engine.LoD() != 2 {
		t.Fatalf("expected LoD capped at 2, got %d", engine.LoD())
	}
}

func TestIdleRegressionOutranksForwardRules(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	holdUntil(t, engine, clk, washingCues, StateWashing)

	for i := 0; i < 9; i++ {
		clk.Advance(500 * time.Millisecond)
		engine.Tick(snap(nil))
	}
	// At the timeout boundary a blower appears. The blower is not a
	// washing activity cue, so the idle check must still win.
	clk.Advance(500 * time.Millisecond)
	transition, fired := engine.Tick(snap(map[string]float64{cues.BlowerSound: 0.9}))
	if !fired {
		t.Fatalf("expected a transition at the idle boundary")
	}
	if transition.To != StateIdle {
		t.Fatalf("forward rule outranked idle regression: went to %s", transition.To)
	}
}

func TestResetRestoresInitialSession(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	holdUntil(t, engine, clk, washingCues, StateWashing)
	for i := 0; i < 12; i++ {
		clk.Advance(500 * time.Millisecond)
		engine.Tick(snap(nil))
	}
	if engine.LoD() == 0 {
		t.Fatalf("setup failed: expected a guidance bump before reset")
	}

	engine.Reset()
	snapshot := engine.Snapshot()
	if snapshot.State != StateIdle || snapshot.LoD != 0 {
		t.Fatalf("expected fresh IDLE session, got %s lod=%d", snapshot.State, snapshot.LoD)
	}
	if len(snapshot.Visited) != 1 || snapshot.Visited[0] != StateIdle {
		t.Fatalf("expected only IDLE visited, got %v", snapshot.Visited)
	}
	if _, ok := engine.Score(); ok {
		t.Fatalf("score leaked across reset")
	}
}

func TestSnapshotHistoryClosesSpans(t *testing.T) {
	t.Parallel()

	engine, clk := newTestEngine(t)
	holdUntil(t, engine, clk, washingCues, StateWashing)

	history := engine.Snapshot().History
	if len(history) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(history))
	}
	if history[0].State != StateIdle || history[0].ExitedAt.IsZero() {
		t.Fatalf("expected closed IDLE span, got %+v", history[0])
	}
	if history[1].State != StateWashing || !history[1].ExitedAt.IsZero() {
		t.Fatalf("expected open WASHING span, got %+v", history[1])
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	engine, err := New(Config{Now: clk.Now, MaxHistory: 4})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	for i := 0; i < 10; i++ {
		holdUntil(t, engine, clk, washingCues, StateWashing)
		for j := 0; j < 12; j++ {
			clk.Advance(500 * time.Millisecond)
			engine.Tick(snap(nil))
		}
	}
	if got := len(engine.Snapshot().History); got > 4 {
		t.Fatalf("history grew past bound: %d", got)
	}
}

func TestNewRejectsBadTable(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Table: []Rule{{Target: StateDone}}})
	if err == nil {
		t.Fatalf("expected table validation error")
	}
}
