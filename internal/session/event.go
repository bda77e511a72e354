package session

import (
	"time"

	"github.com/mir333/agentd/internal/runtime"
)

// Kind tags the closed set of event variants. Consumers switch on Kind
// exhaustively; the payload field matching the kind is non-nil, the rest
// are zero.
type Kind string

const (
	KindTextDelta       Kind = "text_delta"
	KindToolCall        Kind = "tool_call"
	KindToolResult      Kind = "tool_result"
	KindQuestionPending Kind = "question_pending"
	KindDone            Kind = "done"
	KindError           Kind = "error"

	// Durable-record kinds. These appear in transcripts and run details but
	// are never streamed to listeners.
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindContextReset     Kind = "context_reset"
)

// Question is the question_pending payload: the proposed question set plus
// the call identifier an answer must name.
type Question struct {
	CallID string                 `json:"callId"`
	Items  []runtime.QuestionItem `json:"items"`
}

// TurnStats is the done payload carrying turn-final accounting.
type TurnStats struct {
	CostUSD    float64       `json:"cost"`
	Usage      runtime.Usage `json:"usage"`
	DurationMs int64         `json:"durationMs"`
}

// Event is one entry in a turn's stream. Seq is assigned at emission and is
// turn-scoped: it restarts at 1 on every new turn. Events are immutable once
// emitted.
type Event struct {
	Seq  int64 `json:"seq,omitempty"`
	Kind Kind  `json:"kind"`

	Text       string              `json:"text,omitempty"`
	ToolCall   *runtime.ToolCall   `json:"toolCall,omitempty"`
	ToolResult *runtime.ToolResult `json:"toolResult,omitempty"`
	Question   *Question           `json:"question,omitempty"`
	Done       *TurnStats          `json:"done,omitempty"`
	Error      string              `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// record strips the turn-scoped sequence number for durable storage; the
// persisted transcript is ordered by position, not by seq.
func (e Event) record() Event {
	e.Seq = 0
	return e
}

// StripSeqs returns a copy of events with sequence numbers removed, the
// shape used for run-detail transcripts.
func StripSeqs(events []Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.record()
	}
	return out
}
