package session

import (
	"context"
	"fmt"

	"github.com/mir333/agentd/internal/runtime"
)

// pendingQuestion is the suspension handle for one in-flight ask_user call.
// done is buffered and written at most once, by Answer or by nothing at all;
// cancellation is observed through the turn context instead.
type pendingQuestion struct {
	callID   string
	question *Question
	done     chan []string
}

// interceptQuestion suspends the turn on an ask_user invocation until an
// answer arrives or the turn context is cancelled. Non-interactive sessions
// decline to handle the call, which routes it to the autonomous default.
func (r *Registry) interceptQuestion(ctx context.Context, sess *Session, call runtime.ToolCall) (string, bool, error) {
	r.mu.Lock()
	if !sess.interactive {
		r.mu.Unlock()
		return "", false, nil
	}
	if sess.pending != nil {
		r.mu.Unlock()
		return "", false, fmt.Errorf("%w (call %s)", ErrQuestionPending, sess.pending.callID)
	}
	pending := &pendingQuestion{
		callID: call.ID,
		question: &Question{
			CallID: call.ID,
			Items:  runtime.ParseQuestions(call.Input),
		},
		done: make(chan []string, 1),
	}
	sess.pending = pending
	r.mu.Unlock()

	r.emit(sess, Event{Kind: KindQuestionPending, Question: pending.question})

	select {
	case answers := <-pending.done:
		return runtime.FormatAnswers(answers), true, nil
	case <-ctx.Done():
		r.mu.Lock()
		if sess.pending == pending {
			sess.pending = nil
		}
		r.mu.Unlock()
		return "", false, ctx.Err()
	}
}

// Answer resolves the session's pending question. The call identifier must
// match the pending one; an empty callID matches whatever is pending. A
// mismatch or an absent question fails without disturbing the suspension.
func (r *Registry) Answer(sessionID, callID string, answers []string) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	pending := sess.pending
	if pending == nil {
		r.mu.Unlock()
		return ErrNoPendingQuestion
	}
	if callID != "" && callID != pending.callID {
		r.mu.Unlock()
		return fmt.Errorf("%w: got %s, pending %s", ErrQuestionMismatch, callID, pending.callID)
	}
	sess.pending = nil
	r.mu.Unlock()

	pending.done <- answers
	return nil
}
