// Package cues defines the shared cue vocabulary exchanged between the
// sensing providers, the merge stage, and the assessment engine.
package cues

import (
	"fmt"
	"sort"
	"time"
)

// Visual cue keys produced by the vision pipeline.
const (
	HandsVisible      = "hands_visible"
	HandsUnderWater   = "hands_under_water"
	HandsOnSoap       = "hands_on_soap"
	FoamVisible       = "foam_visible"
	TowelDrying       = "towel_drying"
	HandsTouchClothes = "hands_touch_clothes"
	BlowerVisible     = "blower_visible"
)

// Audio cue keys produced by the audio pipeline.
const (
	WaterSound  = "water_sound"
	BlowerSound = "blower_sound"
)

// VisualKeys lists every visual cue key in stable order.
var VisualKeys = []string{
	HandsVisible,
	HandsUnderWater,
	HandsOnSoap,
	FoamVisible,
	TowelDrying,
	HandsTouchClothes,
	BlowerVisible,
}

// AudioKeys lists every audio cue key in stable order.
var AudioKeys = []string{
	WaterSound,
	BlowerSound,
}

// Map holds cue confidences keyed by cue name. Values are expected to be
// clamped to [0,1] before the map crosses a package boundary.
type Map map[string]float64

// Get returns the confidence for key, defaulting missing keys to 0.
func (m Map) Get(key string) float64 {
	if m == nil {
		return 0
	}
	return m[key]
}

// Clone returns an independent copy of the map.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for key, value := range m {
		out[key] = value
	}
	return out
}

// Keys returns the map's keys in sorted order.
func (m Map) Keys() []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Clamp limits a confidence to [0,1].
func Clamp(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// Normalize keeps only the given vocabulary, clamps every value, and
// zero-fills missing keys.
func Normalize(raw Map, vocabulary []string) Map {
	out := make(Map, len(vocabulary))
	for _, key := range vocabulary {
		out[key] = Clamp(raw.Get(key))
	}
	return out
}

// ZeroVisual returns an all-zero visual cue map.
func ZeroVisual() Map {
	return Normalize(nil, VisualKeys)
}

// ZeroAudio returns an all-zero audio cue map.
func ZeroAudio() Map {
	return Normalize(nil, AudioKeys)
}

// ValidateVocabulary rejects keys outside the known cue vocabulary.
func ValidateVocabulary(m Map) error {
	for key := range m {
		if !knownKey(key) {
			return fmt.Errorf("unknown cue key %q", key)
		}
	}
	return nil
}

func knownKey(key string) bool {
	for _, known := range VisualKeys {
		if key == known {
			return true
		}
	}
	for _, known := range AudioKeys {
		if key == known {
			return true
		}
	}
	return false
}

// Snapshot is one merged view of the latest visual and audio cues. The
// per-modality timestamps are diagnostic only; the engine never branches
// on them.
type Snapshot struct {
	Merged   Map
	VisualAt time.Time
	AudioAt  time.Time
}

// Get returns the merged confidence for key, defaulting to 0.
func (s Snapshot) Get(key string) float64 {
	return s.Merged.Get(key)
}
