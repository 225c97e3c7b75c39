// Package feedback plans spoken guidance for a washing session: transition
// announcements, periodic in-state encouragement, and level-of-detail
// instructions that grow more explicit after repeated idle regressions.
package feedback

import (
	"time"

	"github.com/tiger/handwash-assess/internal/fsm"
)

type edge struct {
	From fsm.State
	To   fsm.State
}

var transitionMessages = map[edge]string{
	{fsm.StateIdle, fsm.StateWaterNoHands}:         "Water detected. Please put your hands under the water.",
	{fsm.StateIdle, fsm.StateHandsNoWater}:         "Hands detected. Please turn on the faucet.",
	{fsm.StateIdle, fsm.StateWashing}:              "Good, now washing your hands.",
	{fsm.StateWaterNoHands, fsm.StateWashing}:      "Hands detected, now washing.",
	{fsm.StateHandsNoWater, fsm.StateWashing}:      "Water detected, now washing.",
	{fsm.StateWashing, fsm.StateSoaping}:           "Applying hand soap, great!",
	{fsm.StateSoaping, fsm.StateRinsing}:           "Rinsing the soap off now.",
	{fsm.StateRinsing, fsm.StateRinsingOK}:         "Good rinsing! Keep going for a thorough rinse.",
	{fsm.StateRinsingOK, fsm.StateRinsingThorough}: "Excellent! Thorough rinsing achieved.",

	{fsm.StateRinsing, fsm.StateSoaping}:         "Re-applying soap for another round.",
	{fsm.StateRinsingOK, fsm.StateSoaping}:       "Re-applying soap for another round.",
	{fsm.StateRinsingThorough, fsm.StateSoaping}: "Re-applying soap for another round.",

	{fsm.StateRinsing, fsm.StateTowelDrying}:           "Drying hands with a towel, good choice.",
	{fsm.StateRinsing, fsm.StateClothesDrying}:         "Drying hands on clothes. A towel would be better.",
	{fsm.StateRinsing, fsm.StateBlowerDrying}:          "Using the hand dryer.",
	{fsm.StateRinsingOK, fsm.StateTowelDrying}:         "Drying hands with a towel, good choice.",
	{fsm.StateRinsingOK, fsm.StateClothesDrying}:       "Drying hands on clothes. A towel would be better.",
	{fsm.StateRinsingOK, fsm.StateBlowerDrying}:        "Using the hand dryer.",
	{fsm.StateRinsingThorough, fsm.StateTowelDrying}:   "Drying hands with a towel, good choice.",
	{fsm.StateRinsingThorough, fsm.StateClothesDrying}: "Drying hands on clothes. A towel would be better.",
	{fsm.StateRinsingThorough, fsm.StateBlowerDrying}:  "Using the hand dryer.",

	{fsm.StateWashing, fsm.StateTowelDrying}:   "Drying without soap. Try using soap next time.",
	{fsm.StateWashing, fsm.StateClothesDrying}: "Drying on clothes without soap. Try soap and a towel next time.",
	{fsm.StateWashing, fsm.StateBlowerDrying}:  "Drying without soap. Try using soap next time.",

	{fsm.StateSoaping, fsm.StateTowelDrying}:   "Drying without rinsing. Make sure to rinse off the soap next time.",
	{fsm.StateSoaping, fsm.StateClothesDrying}: "Drying on clothes without rinsing. Rinse and use a towel next time.",
	{fsm.StateSoaping, fsm.StateBlowerDrying}:  "Drying without rinsing. Make sure to rinse off the soap next time.",

	{fsm.StateTowelDrying, fsm.StateDone}:   "All done! Great job washing your hands.",
	{fsm.StateClothesDrying, fsm.StateDone}: "All done! Next time try using a towel.",
	{fsm.StateBlowerDrying, fsm.StateDone}:  "All done! Great job.",

	{fsm.StateWaterNoHands, fsm.StateIdle}:    "Activity stopped. Please continue.",
	{fsm.StateHandsNoWater, fsm.StateIdle}:    "Activity stopped. Please continue.",
	{fsm.StateWashing, fsm.StateIdle}:         "You seem to have stopped. Please continue washing.",
	{fsm.StateSoaping, fsm.StateIdle}:         "You seem to have stopped. Please continue.",
	{fsm.StateRinsing, fsm.StateIdle}:         "You seem to have stopped. Please continue rinsing.",
	{fsm.StateRinsingOK, fsm.StateIdle}:       "You seem to have stopped. Please continue rinsing.",
	{fsm.StateRinsingThorough, fsm.StateIdle}: "You seem to have stopped rinsing.",
	{fsm.StateTowelDrying, fsm.StateIdle}:     "You seem to have stopped drying.",
	{fsm.StateClothesDrying, fsm.StateIdle}:   "You seem to have stopped drying.",
	{fsm.StateBlowerDrying, fsm.StateIdle}:    "You seem to have stopped drying.",
}

// TransitionMessage returns the announcement for a fired transition.
func TransitionMessage(from, to fsm.State) (string, bool) {
	text, ok := transitionMessages[edge{From: from, To: to}]
	return text, ok
}

// Warning is one in-state encouragement, spoken once per state visit after
// the user has lingered for After.
type Warning struct {
	After   time.Duration
	Message string
}

var stateWarnings = map[fsm.State][]Warning{
	fsm.StateIdle: {
		{After: 20 * time.Second, Message: "Please turn on the faucet and start washing your hands."},
	},
	fsm.StateWaterNoHands: {
		{After: 10 * time.Second, Message: "Please put your hands under the water."},
		{After: 20 * time.Second, Message: "Please save water. Put your hands under or turn off the faucet."},
	},
	fsm.StateHandsNoWater: {
		{After: 10 * time.Second, Message: "Please turn on the faucet."},
	},
	fsm.StateWashing: {
		{After: 20 * time.Second, Message: "Please save water. Apply soap or turn off the faucet."},
	},
	fsm.StateSoaping: {
		{After: 10 * time.Second, Message: "Remember to lather all surfaces of your hands for at least 20 seconds."},
		{After: 25 * time.Second, Message: "Great lathering! You can rinse your hands now."},
	},
	fsm.StateRinsing: {
		{After: 15 * time.Second, Message: "Make sure to rinse off all the soap."},
	},
	fsm.StateRinsingOK: {
		{After: 8 * time.Second, Message: "Good rinsing! Keep going a bit longer for a thorough rinse."},
	},
	fsm.StateRinsingThorough: {
		{After: 8 * time.Second, Message: "Excellent rinse! You can dry your hands now."},
	},
	fsm.StateTowelDrying: {
		{After: 8 * time.Second, Message: "Make sure your hands are fully dry."},
	},
	fsm.StateClothesDrying: {
		{After: 8 * time.Second, Message: "Try using a clean towel next time for better hygiene."},
	},
	fsm.StateBlowerDrying: {
		{After: 8 * time.Second, Message: "Keep your hands under the dryer until fully dry."},
	},
}

// Warnings returns the in-state encouragements for a state in delay order.
func Warnings(state fsm.State) []Warning {
	return stateWarnings[state]
}

// lodGuidance holds one instruction per guidance level, basic to very
// detailed. Indexed by the engine's level of detail.
var lodGuidance = map[fsm.State][3]string{
	fsm.StateIdle: {
		"Please start washing your hands.",
		"Turn on the faucet and place your hands under the water to begin.",
		"Step 1: Turn on the faucet. Step 2: Place both hands under the running water.",
	},
	fsm.StateWaterNoHands: {
		"Put your hands under the water.",
		"Place both hands under the running water to start washing.",
		"Move your hands directly under the faucet stream. The water is running but your hands are not detected.",
	},
	fsm.StateHandsNoWater: {
		"Turn on the faucet.",
		"Turn on the faucet to start washing your hands.",
		"Reach for the faucet handle and turn it on. Then place your hands under the water stream.",
	},
	fsm.StateWashing: {
		"Apply soap when ready.",
		"Good, your hands are under water. Now apply soap to both hands.",
		"Reach for the soap dispenser and press it to get soap on your hands. Rub all surfaces.",
	},
	fsm.StateSoaping: {
		"Lather all hand surfaces.",
		"Rub the soap over all surfaces: palms, backs, between fingers, and under nails.",
		"Make sure to scrub: palms together, back of each hand, interlace fingers, thumbs, and fingertips on palms. Aim for 20 seconds.",
	},
	fsm.StateRinsing: {
		"Rinse off the soap.",
		"Hold your hands under running water and rinse off all the soap.",
		"Place both hands under the water stream and rub them together to remove all soap residue. Continue for at least 10 seconds.",
	},
	fsm.StateRinsingOK: {
		"Good rinsing! Keep going or dry your hands.",
		"You have rinsed for a good amount of time. A bit more for a thorough rinse, or you can dry.",
		"You have been rinsing for about 5 seconds. Continue for 5 more seconds for a thorough rinse, or proceed to dry your hands.",
	},
	fsm.StateRinsingThorough: {
		"Excellent rinse! Dry your hands now.",
		"Thorough rinse achieved. Use a towel or dryer to dry your hands.",
		"Great job rinsing thoroughly! Now reach for a paper towel or use the hand dryer to dry your hands completely.",
	},
	fsm.StateTowelDrying: {
		"Dry your hands thoroughly.",
		"Use the towel to dry all surfaces of your hands completely.",
		"Pat both sides of your hands, between your fingers, and your wrists with the towel until completely dry.",
	},
	fsm.StateClothesDrying: {
		"Drying on clothes. Use a towel next time.",
		"You are wiping your hands on your clothes. A clean towel is more hygienic.",
		"Using clothes to dry is less hygienic. Next time, reach for a paper towel or use the hand dryer instead.",
	},
	fsm.StateBlowerDrying: {
		"Keep hands under the dryer.",
		"Hold your hands under the dryer and rub them together until dry.",
		"Position both hands under the air stream and rub them together. Make sure all surfaces are dry before finishing.",
	},
	fsm.StateDone: {
		"All done! Great job.",
		"Hand washing complete. Great job!",
		"Hand washing complete. You did a great job following all the steps!",
	},
}

// Guidance returns the instruction for a state at a guidance level,
// clamping the level into the supported range.
func Guidance(state fsm.State, lod int) string {
	levels, ok := lodGuidance[state]
	if !ok {
		return ""
	}
	if lod < 0 {
		lod = 0
	}
	if lod >= len(levels) {
		lod = len(levels) - 1
	}
	return levels[lod]
}
