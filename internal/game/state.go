package game

import "encoding/json"

// State labels the orchestrator pattern-matches on. Anything else is
// treated as transient and polled through.
type State string

const (
	StateSelectingHand State = "SELECTING_HAND"
	StateShop          State = "SHOP"
	StateRoundEval     State = "ROUND_EVAL"
	StateBlindSelect   State = "BLIND_SELECT"
	StateGameOver      State = "GAME_OVER"
)

// GameState is the server's state document. Only the discriminant fields
// are inspected here; everything else passes through to the prompt
// renderer untouched.
type GameState map[string]any

func ParseGameState(raw json.RawMessage) (GameState, error) {
	var gs GameState
	if err := json.Unmarshal(raw, &gs); err != nil {
		return nil, err
	}
	return gs, nil
}

func (g GameState) Label() State {
	s, _ := g["state"].(string)
	return State(s)
}

func (g GameState) Won() bool {
	won, _ := g["won"].(bool)
	return won
}

func (g GameState) Ante() int {
	return g.intField("ante_num")
}

func (g GameState) Round() int {
	return g.intField("round_num")
}

func (g GameState) intField(key string) int {
	// JSON numbers decode as float64.
	if f, ok := g[key].(float64); ok {
		return int(f)
	}
	return 0
}
