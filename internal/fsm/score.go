package fsm

// pointsTable awards each scoring state once per session regardless of
// revisits. The full path through every scored state totals MaxScore.
var pointsTable = map[State]int{
	StateWashing:         15,
	StateSoaping:         25,
	StateRinsing:         8,
	StateRinsingOK:       6,
	StateRinsingThorough: 6,
	StateTowelDrying:     15,
	StateClothesDrying:   5,
	StateBlowerDrying:    10,
	StateDone:            10,
}

// MaxScore is the best achievable session total.
const MaxScore = 100

// Points returns the award for a state and whether the state is scored.
func Points(state State) (int, bool) {
	points, ok := pointsTable[state]
	return points, ok
}

// ScoreDetail is one awarded line item.
type ScoreDetail struct {
	State  State
	Points int
}

// Score is the final session assessment.
type Score struct {
	Total   int
	Max     int
	Details []ScoreDetail
}

func computeScore(visited map[State]struct{}) Score {
	score := Score{Max: MaxScore}
	for _, state := range StateOrder {
		if _, ok := visited[state]; !ok {
			continue
		}
		points, scored := pointsTable[state]
		if !scored {
			continue
		}
		score.Total += points
		score.Details = append(score.Details, ScoreDetail{State: state, Points: points})
	}
	return score
}

// Score returns the session score. It is only available once the session
// has reached DONE; ok is false before that.
func (e *Engine) Score() (Score, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Terminal() {
		return Score{}, false
	}
	return computeScore(e.visited), true
}
