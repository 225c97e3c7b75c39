package report

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/fsm"
)

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func finishedSnapshot() fsm.Snapshot {
	t0 := fixedNow()
	return fsm.Snapshot{
		State: fsm.StateDone,
		History: []fsm.Span{
			{State: fsm.StateIdle, EnteredAt: t0, ExitedAt: t0.Add(2 * time.Second), Reason: "session start"},
			{State: fsm.StateWashing, EnteredAt: t0.Add(2 * time.Second), ExitedAt: t0.Add(6 * time.Second), Reason: "hands under running water"},
			{State: fsm.StateTowelDrying, EnteredAt: t0.Add(6 * time.Second), ExitedAt: t0.Add(10 * time.Second), Reason: "towel drying"},
			{State: fsm.StateDone, EnteredAt: t0.Add(10 * time.Second), Reason: "towel drying finished"},
		},
		Score: &fsm.Score{
			Total: 40,
			Max:   fsm.MaxScore,
			Details: []fsm.ScoreDetail{
				{State: fsm.StateWashing, Points: 15},
				{State: fsm.StateTowelDrying, Points: 15},
				{State: fsm.StateDone, Points: 10},
			},
		},
	}
}

func TestSaveWritesSessionLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger := NewLogger(fixedNow)
	logger.Transition(fsm.Transition{
		From:   fsm.StateIdle,
		To:     fsm.StateWashing,
		Reason: "hands under running water",
		At:     fixedNow().Add(2 * time.Second),
	}, cues.Map{cues.HandsUnderWater: 0.9})
	logger.Cues(fsm.StateWashing, cues.Map{cues.WaterSound: 0.8})

	path, err := logger.Save(dir, finishedSnapshot())
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if !strings.HasSuffix(path, "session_1700000000.json") {
		t.Fatalf("unexpected log path %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var doc struct {
		SessionID    string `json:"session_id"`
		StateHistory []struct {
			State    string  `json:"state"`
			ExitTime *string `json:"exit_time"`
		} `json:"state_history"`
		Events []Event `json:"events"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if doc.SessionID != "session_1700000000" {
		t.Fatalf("unexpected session id %q", doc.SessionID)
	}
	if len(doc.StateHistory) != 4 {
		t.Fatalf("expected 4 history spans, got %d", len(doc.StateHistory))
	}
	if doc.StateHistory[3].ExitTime != nil {
		t.Fatalf("open span should serialize a null exit time")
	}
	if len(doc.Events) != 2 || doc.Events[0].Type != "transition" || doc.Events[1].Type != "cues" {
		t.Fatalf("unexpected events %+v", doc.Events)
	}
}

func TestRenderReportLayout(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	if err := Render(&out, finishedSnapshot()); err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	text := out.String()

	for _, want := range []string{
		"HAND WASHING ASSESSMENT REPORT",
		"Total session time: 10.0s",
		"States visited: 4",
		"Completed: Yes",
		"STATE BREAKDOWN",
		"WASHING",
		"TOTAL: 40/100",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("report missing %q:\n%s", want, text)
		}
	}
	if !strings.Contains(text, "[PASS]") || !strings.Contains(text, "[MISS]") {
		t.Fatalf("expected pass and miss score rows:\n%s", text)
	}
	if !strings.Contains(text, "SOAPING") {
		t.Fatalf("skipped scoring states must still appear as misses:\n%s", text)
	}
}

func TestRenderEmptySession(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	if err := Render(&out, fsm.Snapshot{}); err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	if !strings.Contains(out.String(), "No session data recorded.") {
		t.Fatalf("unexpected empty report:\n%s", out.String())
	}
}

func TestWriteTextCreatesReportFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := WriteText(dir, finishedSnapshot())
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), "TOTAL: 40/100") {
		t.Fatalf("report file missing total:\n%s", data)
	}
}
