package fsm

import (
	"fmt"
	"time"

	"github.com/tiger/handwash-assess/api/cues"
)

// Predicate evaluates a transition condition against one merged cue map.
type Predicate func(c cues.Map) bool

// Rule is one declarative transition record. Rules are evaluated in table
// order per tick; the first satisfied rule fires. A Sustain of zero marks
// an immediate rule; MinInState gates on wall time since state entry.
type Rule struct {
	Sources    []State
	Target     State
	When       Predicate
	Sustain    time.Duration
	MinInState time.Duration
	Reason     string
}

func (r Rule) appliesTo(state State) bool {
	for _, source := range r.Sources {
		if source == state {
			return true
		}
	}
	return false
}

// key identifies the rule's sustain timer. Rules are keyed per
// candidate transition so parallel candidates track independently.
func (r Rule) key() string {
	return fmt.Sprintf("%s->%s", r.Reason, r.Target)
}

// Cue thresholds, from the original classifier calibration.
const (
	cueOn          = 0.5 // confident presence
	cueOff         = 0.4 // confident absence for entry-splitting rules
	blowerOn       = 0.3 // blowers are detected permissively
	actionStopped  = 0.3 // drying action considered finished below this
	blowerStopped  = 0.2
	defaultSustain = 1300 * time.Millisecond
	rinseUpgrade   = 5 * time.Second
	dryingMinimum  = 1300 * time.Millisecond
)

func handsAndWater(c cues.Map) bool {
	return c.Get(cues.HandsUnderWater) > cueOn && c.Get(cues.WaterSound) > cueOn
}

func soapTouched(c cues.Map) bool {
	return c.Get(cues.HandsOnSoap) > cueOn
}

func towelInUse(c cues.Map) bool {
	return c.Get(cues.TowelDrying) > cueOn
}

func clothesInUse(c cues.Map) bool {
	return c.Get(cues.HandsTouchClothes) > cueOn
}

func blowerDetected(c cues.Map) bool {
	return c.Get(cues.BlowerSound) > blowerOn || c.Get(cues.BlowerVisible) > blowerOn
}

var rinsingStates = []State{StateRinsing, StateRinsingOK, StateRinsingThorough}

// DefaultTable returns the assessment transition table. Order is priority:
// within the rinsing states the quality upgrade outranks re-soap, which
// outranks the drying exits; from WASHING, soap outranks the skip-to-drying
// edges; from IDLE, full washing outranks the single-cue holding states.
func DefaultTable() []Rule {
	return []Rule{
		{
			Sources: []State{StateIdle, StateWaterNoHands, StateHandsNoWater},
			Target:  StateWashing,
			When:    handsAndWater,
			Sustain: defaultSustain,
			Reason:  "hands under running water",
		},
		{
			Sources: []State{StateIdle},
			Target:  StateWaterNoHands,
			When: func(c cues.Map) bool {
				return c.Get(cues.WaterSound) > cueOn && c.Get(cues.HandsVisible) < cueOff
			},
			Sustain: defaultSustain,
			Reason:  "water running without hands",
		},
		{
			Sources: []State{StateIdle},
			Target:  StateHandsNoWater,
			When: func(c cues.Map) bool {
				return c.Get(cues.HandsVisible) > cueOn && c.Get(cues.WaterSound) < cueOff
			},
			Sustain: defaultSustain,
			Reason:  "hands visible without water",
		},
		{
			Sources: []State{StateWashing},
			Target:  StateSoaping,
			When:    soapTouched,
			Reason:  "soap detected",
		},
		{
			Sources: []State{StateSoaping},
			Target:  StateRinsing,
			When:    handsAndWater,
			Sustain: defaultSustain,
			Reason:  "rinsing under water",
		},
		{
			Sources:    []State{StateRinsing},
			Target:     StateRinsingOK,
			When:       handsAndWater,
			MinInState: rinseUpgrade,
			Reason:     "rinse quality good",
		},
		{
			Sources:    []State{StateRinsingOK},
			Target:     StateRinsingThorough,
			When:       handsAndWater,
			MinInState: rinseUpgrade,
			Reason:     "rinse quality thorough",
		},
		{
			Sources: rinsingStates,
			Target:  StateSoaping,
			When:    soapTouched,
			Reason:  "re-soap",
		},
		// Drying entries. WASHING and SOAPING share them: skipping soap or
		// rinse still moves the session forward (and costs score).
		{
			Sources: append([]State{StateWashing, StateSoaping}, rinsingStates...),
			Target:  StateTowelDrying,
			When:    towelInUse,
			Sustain: defaultSustain,
			Reason:  "towel drying",
		},
		{
			Sources: append([]State{StateWashing, StateSoaping}, rinsingStates...),
			Target:  StateClothesDrying,
			When:    clothesInUse,
			Sustain: defaultSustain,
			Reason:  "drying on clothes",
		},
		{
			Sources: append([]State{StateWashing, StateSoaping}, rinsingStates...),
			Target:  StateBlowerDrying,
			When:    blowerDetected,
			Reason:  "blower detected",
		},
		{
			Sources: []State{StateTowelDrying},
			Target:  StateDone,
			When: func(c cues.Map) bool {
				return c.Get(cues.TowelDrying) < actionStopped
			},
			MinInState: dryingMinimum,
			Reason:     "towel drying finished",
		},
		{
			Sources: []State{StateClothesDrying},
			Target:  StateDone,
			When: func(c cues.Map) bool {
				return c.Get(cues.HandsTouchClothes) < actionStopped
			},
			MinInState: dryingMinimum,
			Reason:     "clothes drying finished",
		},
		{
			Sources: []State{StateBlowerDrying},
			Target:  StateDone,
			When: func(c cues.Map) bool {
				return c.Get(cues.BlowerSound) < blowerStopped && c.Get(cues.BlowerVisible) < blowerStopped
			},
			MinInState: dryingMinimum,
			Reason:     "blower drying finished",
		},
	}
}

// ValidateTable rejects malformed transition tables at construction time.
func ValidateTable(table []Rule) error {
	if len(table) == 0 {
		return fmt.Errorf("transition table is empty")
	}
	for i, rule := range table {
		if len(rule.Sources) == 0 {
			return fmt.Errorf("rule %d: source state set is empty", i)
		}
		for _, source := range rule.Sources {
			if err := source.Validate(); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			if source.Terminal() {
				return fmt.Errorf("rule %d: terminal state %s cannot have outgoing rules", i, source)
			}
		}
		if err := rule.Target.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.When == nil {
			return fmt.Errorf("rule %d: predicate is required", i)
		}
		if rule.Sustain < 0 || rule.MinInState < 0 {
			return fmt.Errorf("rule %d: durations must be >= 0", i)
		}
		if rule.Reason == "" {
			return fmt.Errorf("rule %d: reason is required", i)
		}
	}
	return nil
}
