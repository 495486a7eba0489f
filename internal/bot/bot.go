// Package bot drives one run's protocol state machine: it alternates
// JSON-RPC calls against the game server with chat-completion calls
// against the model, records everything through the collector, and
// classifies every decision point as successful, error, or failed.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coder/balatrollm/internal/collector"
	"github.com/coder/balatrollm/internal/config"
	"github.com/coder/balatrollm/internal/game"
	"github.com/coder/balatrollm/internal/llm"
	"github.com/coder/balatrollm/internal/strategy"
)

// failureThreshold aborts the run after this many consecutive error or
// failed decision outcomes.
const failureThreshold = 3

// pollInterval is the delay before re-fetching the game state when the
// server reports a label the machine does not act on.
const pollInterval = time.Second

// Finish reasons recorded in stats.json.
const (
	FinishWon         = "won"
	FinishLost        = "lost"
	FinishLLMAbort    = "llm_abort"
	FinishFailedCalls = "consecutive_failed_calls"
	FinishInterrupted = "interrupted"
	FinishError       = "error"
)

// GameCaller is the JSON-RPC surface the bot needs from a game client.
type GameCaller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// LLMCaller is the chat-completion surface the bot needs.
type LLMCaller interface {
	Call(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, []byte, error)
}

// FatalError ends a run early. Reason becomes the run's finish reason.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Options tune per-run behavior beyond the task itself.
type Options struct {
	// BlindPolicy is config.PolicySelect or config.PolicyLLM.
	BlindPolicy string
	// ModelConfig is merged verbatim into every chat-completion request.
	ModelConfig map[string]any
	Logger      *zap.Logger
}

// Bot runs one task to completion. Each Bot owns its clients and
// collector exclusively; none of its state is shared across runs.
type Bot struct {
	task        config.Task
	blindPolicy string
	modelConfig map[string]any
	game        GameCaller
	llm         LLMCaller
	strategy    *strategy.Strategy
	collector   *collector.Collector
	log         *zap.Logger

	history             []strategy.HistoryEntry
	lastError           string
	lastFailure         string
	consecutiveFailures int
}

// New builds a Bot for one task. The collector must already point at
// the run directory; the bot never creates or closes it.
func New(task config.Task, gc GameCaller, lc LLMCaller, strat *strategy.Strategy, coll *collector.Collector, opts Options) *Bot {
	if opts.BlindPolicy == "" {
		opts.BlindPolicy = config.PolicySelect
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bot{
		task:        task,
		blindPolicy: opts.BlindPolicy,
		modelConfig: opts.ModelConfig,
		game:        gc,
		llm:         lc,
		strategy:    strat,
		collector:   coll,
		log:         opts.Logger,
	}
}

// Play starts the run and drives the state machine until the game ends
// or a fatal condition unwinds it. Stats are flushed on every exit
// path; the finish reason records the terminating cause.
func (b *Bot) Play(ctx context.Context) (err error) {
	finish := FinishError
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
		if _, serr := b.collector.WriteStats(finish); serr != nil {
			b.log.Error("writing stats failed", zap.Error(serr))
		}
	}()

	raw, err := b.game.Call(ctx, "start_run", map[string]any{
		"deck":  b.task.Deck,
		"stake": b.task.Stake,
		"seed":  b.task.Seed,
	})
	if err != nil {
		return fmt.Errorf("start_run: %w", err)
	}
	b.writeGamestate(raw)

	for {
		if ctx.Err() != nil {
			finish = FinishInterrupted
			return ctx.Err()
		}

		gs, perr := game.ParseGameState(raw)
		if perr != nil {
			return fmt.Errorf("parsing game state: %w", perr)
		}
		label := gs.Label()
		b.log.Debug("game state",
			zap.String("state", string(label)),
			zap.Int("ante", gs.Ante()),
			zap.Int("round", gs.Round()))

		switch label {
		case game.StateGameOver:
			if gs.Won() {
				finish = FinishWon
			} else {
				finish = FinishLost
			}
			b.log.Info("game over", zap.Bool("won", gs.Won()),
				zap.Int("final_ante", gs.Ante()))
			return nil

		case game.StateRoundEval:
			raw, err = b.act(ctx, "cash_out", nil)

		case game.StateBlindSelect:
			if b.blindPolicy == config.PolicyLLM {
				raw, err = b.decide(ctx, gs)
			} else {
				raw, err = b.act(ctx, "skip_or_select_blind", map[string]any{"action": "select"})
			}

		case game.StateSelectingHand, game.StateShop:
			raw, err = b.decide(ctx, gs)

		default:
			b.log.Debug("unhandled state, polling", zap.String("state", string(label)))
			select {
			case <-ctx.Done():
				finish = FinishInterrupted
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			raw, err = b.refresh(ctx)
		}

		if err != nil {
			var fatal *FatalError
			switch {
			case errors.As(err, &fatal):
				finish = fatal.Reason
			case ctx.Err() != nil:
				finish = FinishInterrupted
			}
			return err
		}
	}
}

// act fires a deterministic game call. A protocol rejection is not a
// decision-point failure; the bot just re-fetches the state and moves
// on.
func (b *Bot) act(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := b.game.Call(ctx, method, params)
	if err != nil {
		var rpcErr *game.RPCError
		if errors.As(err, &rpcErr) {
			b.log.Warn("game call rejected",
				zap.String("method", method), zap.Error(rpcErr))
			return b.refresh(ctx)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	b.writeGamestate(raw)
	return raw, nil
}

// decide consumes one LLM turn: render the prompt, request a tool call,
// execute it against the game, and classify the outcome.
func (b *Bot) decide(ctx context.Context, gs game.GameState) (json.RawMessage, error) {
	content, err := b.renderPrompt(gs)
	if err != nil {
		return nil, err
	}

	req := &llm.ChatCompletionRequest{
		Model: b.task.Model,
		Messages: []llm.Message{
			{Role: "user", Content: content},
		},
		Tools: b.strategy.Tools(gs.Label()),
		Extra: b.modelConfig,
	}

	customID, err := b.collector.WriteRequest(req)
	if err != nil {
		return nil, err
	}

	sent := time.Now().UnixMilli()
	resp, rawBody, err := b.llm.Call(ctx, req)
	received := time.Now().UnixMilli()

	if err != nil {
		if werr := b.collector.WriteResponse(strconv.FormatInt(received, 10), customID,
			nil, errorBody(err)); werr != nil {
			b.log.Error("writing response record failed", zap.Error(werr))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FatalError{Reason: FinishLLMAbort, Err: err}
	}

	if werr := b.collector.WriteResponse(strconv.FormatInt(received, 10), customID,
		&collector.ResponseBody{
			RequestID:  strconv.FormatInt(sent, 10),
			StatusCode: 200,
			Body:       rawBody,
		}, nil); werr != nil {
		b.log.Error("writing response record failed", zap.Error(werr))
	}

	tc, err := extractToolCall(resp)
	if err != nil {
		b.log.Warn("no usable tool call", zap.Error(err))
		return b.failTurn(ctx, collector.OutcomeError, err)
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &params); err != nil {
		b.log.Warn("tool call arguments not an object", zap.Error(err))
		return b.failTurn(ctx, collector.OutcomeError, err)
	}

	b.log.Info("executing tool call",
		zap.String("tool", tc.Function.Name),
		zap.String("arguments", tc.Function.Arguments))

	raw, err := b.game.Call(ctx, tc.Function.Name, params)
	if err != nil {
		var rpcErr *game.RPCError
		if errors.As(err, &rpcErr) {
			return b.failTurn(ctx, collector.OutcomeFailed, rpcErr)
		}
		return nil, fmt.Errorf("%s: %w", tc.Function.Name, err)
	}

	if rerr := b.collector.RecordCall(collector.OutcomeSuccessful); rerr != nil {
		b.log.Error("recording call failed", zap.Error(rerr))
	}
	b.consecutiveFailures = 0
	b.lastError, b.lastFailure = "", ""
	b.history = append(b.history, strategy.HistoryEntry{
		Name:      tc.Function.Name,
		Arguments: tc.Function.Arguments,
	})
	b.writeGamestate(raw)
	return raw, nil
}

// failTurn records a non-successful decision outcome, aborts the run
// once the consecutive-failure threshold is hit, and otherwise
// re-fetches the game state without taking an action.
func (b *Bot) failTurn(ctx context.Context, outcome collector.Outcome, cause error) (json.RawMessage, error) {
	if rerr := b.collector.RecordCall(outcome); rerr != nil {
		b.log.Error("recording call failed", zap.Error(rerr))
	}
	switch outcome {
	case collector.OutcomeError:
		b.lastError = cause.Error()
	case collector.OutcomeFailed:
		b.lastFailure = cause.Error()
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= failureThreshold {
		return nil, &FatalError{Reason: FinishFailedCalls, Err: cause}
	}
	return b.refresh(ctx)
}

func (b *Bot) refresh(ctx context.Context) (json.RawMessage, error) {
	raw, err := b.game.Call(ctx, "get_game_state", nil)
	if err != nil {
		return nil, fmt.Errorf("get_game_state: %w", err)
	}
	b.writeGamestate(raw)
	return raw, nil
}

// renderPrompt joins the three template sections into the single user
// message the model sees.
func (b *Bot) renderPrompt(gs game.GameState) (string, error) {
	strat, err := b.strategy.RenderStrategy(gs)
	if err != nil {
		return "", err
	}
	state, err := b.strategy.RenderGamestate(gs)
	if err != nil {
		return "", err
	}
	memory, err := b.strategy.RenderMemory(b.history, b.lastError, b.lastFailure)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{strat, state, memory}, "\n\n"), nil
}

func (b *Bot) writeGamestate(raw json.RawMessage) {
	if err := b.collector.WriteGamestate(raw); err != nil {
		b.log.Error("writing gamestate failed", zap.Error(err))
	}
}

// extractToolCall pulls the first tool call out of a completion and
// validates its shape. Any defect makes the whole turn an error call.
func extractToolCall(resp *llm.ChatCompletionResponse) (*llm.ToolCall, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("response has no choices")
	}
	msg := resp.Choices[0].Message
	if msg == nil || len(msg.ToolCalls) == 0 {
		return nil, errors.New("response has no tool calls")
	}
	tc := msg.ToolCalls[0]
	if tc.Function.Name == "" || tc.Function.Arguments == "" {
		return nil, errors.New("tool call missing function name or arguments")
	}
	if !json.Valid([]byte(tc.Function.Arguments)) {
		return nil, errors.New("tool call arguments are not valid JSON")
	}
	return &tc, nil
}

func errorBody(err error) *collector.ErrorBody {
	code := "error"
	var status *llm.StatusError
	switch {
	case errors.Is(err, llm.ErrTimeoutExhausted):
		code = "timeout"
	case errors.As(err, &status):
		code = strconv.Itoa(status.StatusCode)
	}
	return &collector.ErrorBody{Code: code, Message: err.Error()}
}
