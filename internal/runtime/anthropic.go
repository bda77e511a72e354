package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"

	"github.com/mir333/agentd/internal/idgen"
)

const (
	// maxToolRounds bounds the tool-use loop within one turn so a
	// misbehaving model cannot spin forever.
	maxToolRounds = 25

	// maxCachedTurns bounds the continuation cache; the oldest
	// conversations are evicted first.
	maxCachedTurns = 256
)

type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// AnthropicRunner drives turns against the Anthropic Messages API. It keeps
// prior conversations in memory keyed by opaque continuation tokens; the
// session core never inspects a token, it only hands it back on the next
// turn.
type AnthropicRunner struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	log       *log.Logger

	mu     sync.Mutex
	turns  map[string][]anthropic.MessageParam
	tokens []string
}

func NewAnthropicRunner(cfg AnthropicConfig, logger *log.Logger) (*AnthropicRunner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &AnthropicRunner{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(maxTokens),
		log:       logger,
		turns:     map[string][]anthropic.MessageParam{},
	}, nil
}

func (r *AnthropicRunner) RunTurn(ctx context.Context, prompt string, opts TurnOptions) (TurnResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return TurnResult{}, fmt.Errorf("prompt is required")
	}

	msgs := r.history(opts.ResumeToken)
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	var usage Usage
	for round := 0; round < maxToolRounds; round++ {
		message, err := r.streamRound(ctx, msgs, opts)
		if err != nil {
			return TurnResult{}, err
		}
		usage.InputTokens += message.Usage.InputTokens
		usage.OutputTokens += message.Usage.OutputTokens
		msgs = append(msgs, message.ToParam())

		var results []anthropic.ContentBlockParamUnion
		for _, block := range message.Content {
			if block.Type != "tool_use" {
				continue
			}
			call := ToolCall{ID: block.ID, Name: block.Name, Input: json.RawMessage(block.Input)}
			if opts.OnToolCall != nil {
				opts.OnToolCall(call)
			}
			output, isError, err := r.invokeTool(ctx, call, opts)
			if err != nil {
				return TurnResult{}, err
			}
			if opts.OnToolResult != nil {
				opts.OnToolResult(ToolResult{CallID: call.ID, Name: call.Name, Output: output, IsError: isError})
			}
			results = append(results, anthropic.NewToolResultBlock(call.ID, output, isError))
		}

		if len(results) == 0 || string(message.StopReason) != "tool_use" {
			return TurnResult{
				ResumeToken: r.storeHistory(msgs),
				Usage:       usage,
				CostUSD:     costUSD(string(r.model), usage),
			}, nil
		}
		msgs = append(msgs, anthropic.NewUserMessage(results...))
	}
	return TurnResult{}, fmt.Errorf("turn exceeded %d tool rounds", maxToolRounds)
}

func (r *AnthropicRunner) streamRound(ctx context.Context, msgs []anthropic.MessageParam, opts TurnOptions) (*anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		Messages:  msgs,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt(opts.Cwd)}},
		Tools:     askUserTools(),
	}

	stream := r.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}
		if deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := deltaEvent.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" && opts.OnText != nil {
				opts.OnText(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &message, nil
}

// invokeTool executes one tool call. The ask_user tool is the only tool this
// runtime advertises; the interception hook gets first claim on it, and
// unanswered invocations fall back to the autonomous default.
func (r *AnthropicRunner) invokeTool(ctx context.Context, call ToolCall, opts TurnOptions) (output string, isError bool, err error) {
	if call.Name != AskUserToolName {
		return fmt.Sprintf("unknown tool %q", call.Name), true, nil
	}
	if opts.AskUser != nil {
		result, handled, err := opts.AskUser(ctx, call)
		if err != nil {
			return "", false, err
		}
		if handled {
			return result, false, nil
		}
	}
	return DefaultAnswer(call.Input), false, nil
}

func (r *AnthropicRunner) history(token string) []anthropic.MessageParam {
	if token == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prior, ok := r.turns[token]
	if !ok {
		if r.log != nil {
			r.log.Warn("unknown continuation token, starting fresh", "token", token)
		}
		return nil
	}
	out := make([]anthropic.MessageParam, len(prior))
	copy(out, prior)
	return out
}

func (r *AnthropicRunner) storeHistory(msgs []anthropic.MessageParam) string {
	token := idgen.New()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[token] = msgs
	r.tokens = append(r.tokens, token)
	for len(r.tokens) > maxCachedTurns {
		delete(r.turns, r.tokens[0])
		r.tokens = r.tokens[1:]
	}
	return token
}

func systemPrompt(cwd string) string {
	var b strings.Builder
	b.WriteString("You are an autonomous coding agent operating on a local workspace.")
	if cwd != "" {
		fmt.Fprintf(&b, " Your working directory is %s.", cwd)
	}
	b.WriteString(" When you genuinely need a decision from the user, call the ask_user tool; otherwise proceed on your own judgement.")
	return b.String()
}

func askUserTools() []anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{
		Properties: map[string]any{
			"questions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question": map[string]any{"type": "string"},
						"options":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []string{"question"},
				},
			},
		},
	}
	tool := anthropic.ToolUnionParamOfTool(schema, AskUserToolName)
	if tool.OfTool != nil {
		tool.OfTool.Description = anthropic.String("Ask the user one or more questions, each with optional preset options, and wait for their answer.")
	}
	return []anthropic.ToolUnionParam{tool}
}
