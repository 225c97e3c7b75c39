// Package merge maintains the latest cue map per modality and folds them
// into one zero-defaulted snapshot per engine tick.
package merge

import (
	"sync/atomic"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
	"github.com/tiger/handwash-assess/internal/sensing/contracts"
)

type sample struct {
	cues      cues.Map
	sequence  int64
	timestamp time.Time
}

// Stage holds one atomically-swapped latest-value cell per modality.
// Older in-flight results never clobber fresher ones: a swap only happens
// when the incoming dispatch sequence is not older than the stored one.
type Stage struct {
	visual atomic.Pointer[sample]
	audio  atomic.Pointer[sample]
}

// NewStage returns an empty merge stage; both modalities default to zero
// cues until their first result arrives.
func NewStage() *Stage {
	return &Stage{}
}

// Observe publishes a classify result into its modality cell.
// It reports whether the result became the latest value.
func (s *Stage) Observe(result contracts.Result) (bool, error) {
	if err := result.Validate(); err != nil {
		return false, err
	}
	cell := &s.visual
	if result.Modality == contracts.ModalityAudio {
		cell = &s.audio
	}
	incoming := &sample{
		cues:      result.Cues.Clone(),
		sequence:  result.Sequence,
		timestamp: result.Timestamp,
	}
	for {
		current := cell.Load()
		if current != nil && incoming.sequence < current.sequence {
			return false, nil
		}
		if cell.CompareAndSwap(current, incoming) {
			return true, nil
		}
	}
}

// Snapshot returns the merged union of the latest visual and audio cues.
// Missing modalities contribute zero confidences. Never blocks.
func (s *Stage) Snapshot() cues.Snapshot {
	merged := make(cues.Map, len(cues.VisualKeys)+len(cues.AudioKeys))
	snapshot := cues.Snapshot{}

	visual := s.visual.Load()
	for _, key := range cues.VisualKeys {
		merged[key] = 0
	}
	if visual != nil {
		for key, value := range visual.cues {
			merged[key] = value
		}
		snapshot.VisualAt = visual.timestamp
	}

	audio := s.audio.Load()
	for _, key := range cues.AudioKeys {
		merged[key] = 0
	}
	if audio != nil {
		for key, value := range audio.cues {
			merged[key] = value
		}
		snapshot.AudioAt = audio.timestamp
	}

	snapshot.Merged = merged
	return snapshot
}

// Reset clears both modality cells back to the zero-cue default.
func (s *Stage) Reset() {
	s.visual.Store(nil)
	s.audio.Store(nil)
}
