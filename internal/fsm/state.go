// Package fsm implements the hand-washing assessment state machine: a
// declarative transition table consulted by a deterministic engine with
// sustained-condition timers, idle-timeout regression, adaptive guidance
// levels, and session scoring.
package fsm

import (
	"fmt"

	"github.com/tiger/handwash-assess/api/cues"
)

// State is one assessment phase of the washing session.
type State string

const (
	StateIdle            State = "IDLE"
	StateWaterNoHands    State = "WATER_NO_HANDS"
	StateHandsNoWater    State = "HANDS_NO_WATER"
	StateWashing         State = "WASHING"
	StateSoaping         State = "SOAPING"
	StateRinsing         State = "RINSING"
	StateRinsingOK       State = "RINSING_OK"
	StateRinsingThorough State = "RINSING_THOROUGH"
	StateTowelDrying     State = "TOWEL_DRYING"
	StateClothesDrying   State = "CLOTHES_DRYING"
	StateBlowerDrying    State = "BLOWER_DRYING"
	StateDone            State = "DONE"
)

// StateOrder lists every state in canonical top-to-bottom session order,
// used for report layout and stable iteration.
var StateOrder = []State{
	StateIdle,
	StateWaterNoHands,
	StateHandsNoWater,
	StateWashing,
	StateSoaping,
	StateRinsing,
	StateRinsingOK,
	StateRinsingThorough,
	StateTowelDrying,
	StateClothesDrying,
	StateBlowerDrying,
	StateDone,
}

// Validate enforces known state values.
func (s State) Validate() error {
	for _, known := range StateOrder {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", s)
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateDone
}

// activityCues names the cues that indicate the user is still active in a
// state. When all of them stay below the low-cue threshold for the idle
// timeout, the engine regresses to IDLE. IDLE and DONE never regress.
var activityCues = map[State][]string{
	StateWaterNoHands:    {cues.WaterSound},
	StateHandsNoWater:    {cues.HandsVisible},
	StateWashing:         {cues.HandsVisible, cues.WaterSound, cues.HandsUnderWater},
	StateSoaping:         {cues.HandsVisible, cues.HandsOnSoap, cues.FoamVisible},
	StateRinsing:         {cues.HandsUnderWater, cues.WaterSound, cues.HandsVisible},
	StateRinsingOK:       {cues.HandsUnderWater, cues.WaterSound, cues.HandsVisible},
	StateRinsingThorough: {cues.HandsUnderWater, cues.WaterSound, cues.HandsVisible},
	StateTowelDrying:     {cues.TowelDrying, cues.HandsVisible},
	StateClothesDrying:   {cues.HandsTouchClothes, cues.HandsVisible},
	StateBlowerDrying:    {cues.BlowerVisible, cues.BlowerSound},
}

// ActivityCues returns the activity cue keys for a state (nil for IDLE/DONE).
func ActivityCues(state State) []string {
	return activityCues[state]
}
