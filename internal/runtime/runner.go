// Package runtime defines the narrow streaming contract the session core
// consumes from an upstream agent engine, plus the bundled Anthropic-backed
// implementation.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
)

// AskUserToolName is the one tool name the core may intercept mid-turn.
const AskUserToolName = "ask_user"

var ErrNotConfigured = errors.New("no upstream runtime configured")

type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ToolResult struct {
	CallID  string `json:"callId"`
	Name    string `json:"name"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// TurnResult is the terminal outcome of a successful turn.
type TurnResult struct {
	// ResumeToken is an opaque continuation handle; passing it to the next
	// turn resumes the engine's prior context. Empty means no continuation.
	ResumeToken string
	CostUSD     float64
	Usage       Usage
}

// AskUserFunc intercepts an invocation of the ask_user tool. It returns the
// synthesized tool result and handled=true when an external answer was
// delivered, handled=false to let the engine answer autonomously, or an
// error (typically ctx.Err()) to abort the turn.
type AskUserFunc func(ctx context.Context, call ToolCall) (result string, handled bool, err error)

// TurnOptions carries per-turn configuration and the event callbacks the
// engine drives. Callbacks are invoked synchronously from the turn's
// goroutine, in stream order.
type TurnOptions struct {
	Cwd         string
	ResumeToken string

	OnText       func(text string)
	OnToolCall   func(call ToolCall)
	OnToolResult func(result ToolResult)
	AskUser      AskUserFunc
}

// Runner drives one full request/response turn against the upstream engine.
// RunTurn blocks until the turn is terminal and must honor ctx cancellation
// at every suspension point.
type Runner interface {
	RunTurn(ctx context.Context, prompt string, opts TurnOptions) (TurnResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, prompt string, opts TurnOptions) (TurnResult, error)

func (f RunnerFunc) RunTurn(ctx context.Context, prompt string, opts TurnOptions) (TurnResult, error) {
	return f(ctx, prompt, opts)
}

// Unconfigured returns a Runner that rejects every turn. Used when the
// daemon starts without upstream credentials so the rest of the system
// stays operable.
func Unconfigured() Runner {
	return RunnerFunc(func(context.Context, string, TurnOptions) (TurnResult, error) {
		return TurnResult{}, ErrNotConfigured
	})
}
