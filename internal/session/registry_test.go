package session

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir333/agentd/internal/runtime"
	"github.com/mir333/agentd/internal/storage"
)

func newTestRegistry(runner runtime.Runner) *Registry {
	return NewRegistry(runner, log.New(io.Discard))
}

func createSession(t *testing.T, reg *Registry, interactive bool) Snapshot {
	t.Helper()
	snap, err := reg.Create(CreateInput{
		Name:                 "test",
		WorkingDirectory:     t.TempDir(),
		InteractiveQuestions: interactive,
	})
	require.NoError(t, err)
	return snap
}

func scriptedRunner() runtime.Runner {
	return runtime.RunnerFunc(func(ctx context.Context, prompt string, opts runtime.TurnOptions) (runtime.TurnResult, error) {
		opts.OnText("Hello, ")
		opts.OnText("world.")
		call := runtime.ToolCall{
			ID:    "tool-1",
			Name:  runtime.AskUserToolName,
			Input: json.RawMessage(`{"questions":[{"question":"Proceed?","options":["yes","no"]}]}`),
		}
		opts.OnToolCall(call)
		output, handled, err := opts.AskUser(ctx, call)
		if err != nil {
			return runtime.TurnResult{}, err
		}
		if !handled {
			output = runtime.DefaultAnswer(call.Input)
		}
		opts.OnToolResult(runtime.ToolResult{CallID: call.ID, Name: call.Name, Output: output})
		return runtime.TurnResult{
			ResumeToken: "turn-1",
			CostUSD:     0.01,
			Usage:       runtime.Usage{InputTokens: 10, OutputTokens: 20},
		}, nil
	})
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for turn to finish")
		return nil
	}
}

func TestStartTurnOrderingAndBackfill(t *testing.T) {
	reg := newTestRegistry(scriptedRunner())
	snap := createSession(t, reg, false)

	var got []Event
	sub, err := reg.Subscribe(snap.ID, func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)
	defer reg.Unsubscribe(sub)

	require.NoError(t, reg.StartTurn(context.Background(), snap.ID, "say hello"))

	require.NotEmpty(t, got)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq, "sequence numbers are contiguous from 1")
	}
	assert.Equal(t, KindTextDelta, got[0].Kind)
	assert.Equal(t, KindDone, got[len(got)-1].Kind)
	require.NotNil(t, got[len(got)-1].Done)
	assert.Equal(t, 0.01, got[len(got)-1].Done.CostUSD)

	buffered, err := reg.BufferedSince(snap.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, got, buffered, "full replay matches the live stream")

	last := got[len(got)-1].Seq
	tail, err := reg.BufferedSince(snap.ID, last-2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, got[len(got)-2:], tail)

	empty, err := reg.BufferedSince(snap.ID, last)
	require.NoError(t, err)
	assert.Empty(t, empty, "replay at the watermark yields nothing")

	after, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, after.Status)
}

func TestStartTurnBusyRejection(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := runtime.RunnerFunc(func(ctx context.Context, prompt string, opts runtime.TurnOptions) (runtime.TurnResult, error) {
		close(started)
		select {
		case <-release:
			return runtime.TurnResult{}, nil
		case <-ctx.Done():
			return runtime.TurnResult{}, ctx.Err()
		}
	})
	reg := newTestRegistry(runner)
	snap := createSession(t, reg, false)

	turnErr := make(chan error, 1)
	go func() { turnErr <- reg.StartTurn(context.Background(), snap.ID, "first") }()
	<-started

	err := reg.StartTurn(context.Background(), snap.ID, "second")
	require.ErrorIs(t, err, ErrSessionBusy)

	mid, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, mid.Status, "rejection does not disturb the running turn")

	close(release)
	require.NoError(t, waitErr(t, turnErr))

	after, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, after.Status)
}

func TestAbortMidTurn(t *testing.T) {
	started := make(chan struct{})
	runner := runtime.RunnerFunc(func(ctx context.Context, prompt string, opts runtime.TurnOptions) (runtime.TurnResult, error) {
		close(started)
		<-ctx.Done()
		return runtime.TurnResult{}, ctx.Err()
	})
	reg := newTestRegistry(runner)
	snap := createSession(t, reg, false)

	var got []Event
	_, err := reg.Subscribe(snap.ID, func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)

	turnErr := make(chan error, 1)
	go func() { turnErr <- reg.StartTurn(context.Background(), snap.ID, "long task") }()
	<-started

	require.NoError(t, reg.Abort(snap.ID))
	require.ErrorIs(t, waitErr(t, turnErr), context.Canceled)

	after, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, after.Status, "an aborted turn is not an error state")
	for _, ev := range got {
		assert.NotEqual(t, KindDone, ev.Kind, "no done event after abort")
		assert.NotEqual(t, KindError, ev.Kind)
	}
}

func TestStartTurnRunnerError(t *testing.T) {
	runner := runtime.RunnerFunc(func(ctx context.Context, prompt string, opts runtime.TurnOptions) (runtime.TurnResult, error) {
		return runtime.TurnResult{}, context.DeadlineExceeded
	})
	reg := newTestRegistry(runner)
	snap := createSession(t, reg, false)

	var got []Event
	_, err := reg.Subscribe(snap.ID, func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)

	require.Error(t, reg.StartTurn(context.Background(), snap.ID, "boom"))

	after, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, after.Status)
	require.NotEmpty(t, got)
	assert.Equal(t, KindError, got[len(got)-1].Kind)
	assert.NotEmpty(t, got[len(got)-1].Error)
}

func TestQuestionAnswerFlow(t *testing.T) {
	answered := make(chan string, 1)
	runner := runtime.RunnerFunc(func(ctx context.Context, prompt string, opts runtime.TurnOptions) (runtime.TurnResult, error) {
		call := runtime.ToolCall{
			ID:    "call-42",
			Name:  runtime.AskUserToolName,
			Input: json.RawMessage(`{"questions":[{"question":"Which color?","options":["red","blue"]}]}`),
		}
		output, handled, err := opts.AskUser(ctx, call)
		if err != nil {
			return runtime.TurnResult{}, err
		}
		if handled {
			answered <- output
		}
		return runtime.TurnResult{}, nil
	})
	reg := newTestRegistry(runner)
	snap := createSession(t, reg, true)

	questions := make(chan Event, 1)
	_, err := reg.Subscribe(snap.ID, func(ev Event) {
		if ev.Kind == KindQuestionPending {
			questions <- ev
		}
	})
	require.NoError(t, err)

	turnErr := make(chan error, 1)
	go func() { turnErr <- reg.StartTurn(context.Background(), snap.ID, "pick a color") }()

	var pending Event
	select {
	case pending = <-questions:
	case <-time.After(5 * time.Second):
		t.Fatal("no question_pending event arrived")
	}
	require.NotNil(t, pending.Question)
	assert.Equal(t, "call-42", pending.Question.CallID)
	require.Len(t, pending.Question.Items, 1)
	assert.Equal(t, "Which color?", pending.Question.Items[0].Prompt)

	mid, err := reg.Get(snap.ID)
	require.NoError(t, err)
	require.NotNil(t, mid.PendingQuestion)

	err = reg.Answer(snap.ID, "wrong-id", []string{"red"})
	require.ErrorIs(t, err, ErrQuestionMismatch)

	require.NoError(t, reg.Answer(snap.ID, "call-42", []string{"red"}))
	require.NoError(t, waitErr(t, turnErr))

	select {
	case output := <-answered:
		assert.Equal(t, "User selected: red", output)
	default:
		t.Fatal("runner never saw the answer")
	}

	err = reg.Answer(snap.ID, "", []string{"again"})
	require.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestQuestionCancelledByAbort(t *testing.T) {
	runner := runtime.RunnerFunc(func(ctx context.Context, prompt string, opts runtime.TurnOptions) (runtime.TurnResult, error) {
		call := runtime.ToolCall{ID: "call-1", Name: runtime.AskUserToolName}
		_, _, err := opts.AskUser(ctx, call)
		return runtime.TurnResult{}, err
	})
	reg := newTestRegistry(runner)
	snap := createSession(t, reg, true)

	questions := make(chan struct{}, 1)
	_, err := reg.Subscribe(snap.ID, func(ev Event) {
		if ev.Kind == KindQuestionPending {
			questions <- struct{}{}
		}
	})
	require.NoError(t, err)

	turnErr := make(chan error, 1)
	go func() { turnErr <- reg.StartTurn(context.Background(), snap.ID, "ask away") }()
	select {
	case <-questions:
	case <-time.After(5 * time.Second):
		t.Fatal("no question arrived")
	}

	require.NoError(t, reg.Abort(snap.ID))
	require.ErrorIs(t, waitErr(t, turnErr), context.Canceled)

	after, err := reg.Get(snap.ID)
	require.NoError(t, err)
	assert.Nil(t, after.PendingQuestion, "cancellation clears the suspension")
	assert.Equal(t, StatusIdle, after.Status)
}

func TestSecondQuestionWhilePendingFails(t *testing.T) {
	reg := newTestRegistry(runtime.Unconfigured())
	snap := createSession(t, reg, true)

	reg.mu.Lock()
	sess := reg.sessions[snap.ID]
	reg.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		_, _, err := reg.interceptQuestion(context.Background(), sess, runtime.ToolCall{ID: "q1"})
		first <- err
	}()

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return sess.pending != nil
	}, 5*time.Second, 10*time.Millisecond)

	_, _, err := reg.interceptQuestion(context.Background(), sess, runtime.ToolCall{ID: "q2"})
	require.ErrorIs(t, err, ErrQuestionPending)

	require.NoError(t, reg.Answer(snap.ID, "q1", []string{"ok"}))
	require.NoError(t, waitErr(t, first))
}

func TestNonInteractivePassthrough(t *testing.T) {
	reg := newTestRegistry(runtime.Unconfigured())
	snap := createSession(t, reg, false)

	reg.mu.Lock()
	sess := reg.sessions[snap.ID]
	reg.mu.Unlock()

	output, handled, err := reg.interceptQuestion(context.Background(), sess, runtime.ToolCall{ID: "q1"})
	require.NoError(t, err)
	assert.False(t, handled, "non-interactive sessions fall back to the default answer")
	assert.Empty(t, output)
}

func TestListenerPanicIsolation(t *testing.T) {
	reg := newTestRegistry(scriptedRunner())
	snap := createSession(t, reg, false)

	_, err := reg.Subscribe(snap.ID, func(Event) { panic("bad listener") })
	require.NoError(t, err)

	var got []Event
	_, err = reg.Subscribe(snap.ID, func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)

	require.NoError(t, reg.StartTurn(context.Background(), snap.ID, "carry on"))
	require.NotEmpty(t, got)
	assert.Equal(t, KindDone, got[len(got)-1].Kind, "a panicking listener does not abort the turn")
}

func TestBufferCompaction(t *testing.T) {
	runner := runtime.RunnerFunc(func(ctx context.Context, prompt string, opts runtime.TurnOptions) (runtime.TurnResult, error) {
		for i := 0; i < maxBufferedEvents+100; i++ {
			opts.OnText("x")
		}
		return runtime.TurnResult{}, nil
	})
	reg := newTestRegistry(runner)
	snap := createSession(t, reg, false)

	require.NoError(t, reg.StartTurn(context.Background(), snap.ID, "flood"))

	buffered, err := reg.BufferedSince(snap.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, buffered)
	assert.LessOrEqual(t, len(buffered), maxBufferedEvents)

	// Oldest events are gone but the surviving run is contiguous and ends at
	// the final done event.
	for i := 1; i < len(buffered); i++ {
		assert.Equal(t, buffered[i-1].Seq+1, buffered[i].Seq)
	}
	assert.Equal(t, KindDone, buffered[len(buffered)-1].Kind)
}

func TestSeqResetsPerTurn(t *testing.T) {
	reg := newTestRegistry(scriptedRunner())
	snap := createSession(t, reg, false)

	require.NoError(t, reg.StartTurn(context.Background(), snap.ID, "one"))
	first, err := reg.BufferedSince(snap.ID, 0)
	require.NoError(t, err)

	require.NoError(t, reg.StartTurn(context.Background(), snap.ID, "two"))
	second, err := reg.BufferedSince(snap.ID, 0)
	require.NoError(t, err)

	require.NotEmpty(t, second)
	assert.Equal(t, int64(1), second[0].Seq, "a new turn restarts the sequence at 1")
	assert.Len(t, second, len(first), "the old turn's events are not replayed")
}

func TestClearContext(t *testing.T) {
	reg := newTestRegistry(scriptedRunner())
	snap := createSession(t, reg, false)

	require.NoError(t, reg.StartTurn(context.Background(), snap.ID, "hello"))
	require.NoError(t, reg.ClearContext(snap.ID))

	records := readTranscript(t, reg, snap.ID)
	require.NotEmpty(t, records)
	assert.Equal(t, KindContextReset, records[len(records)-1].Kind)
}

func TestClearContextWhileBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := runtime.RunnerFunc(func(ctx context.Context, prompt string, opts runtime.TurnOptions) (runtime.TurnResult, error) {
		close(started)
		<-release
		return runtime.TurnResult{}, nil
	})
	reg := newTestRegistry(runner)
	snap := createSession(t, reg, false)

	turnErr := make(chan error, 1)
	go func() { turnErr <- reg.StartTurn(context.Background(), snap.ID, "busy") }()
	<-started

	require.ErrorIs(t, reg.ClearContext(snap.ID), ErrSessionBusy)
	close(release)
	require.NoError(t, waitErr(t, turnErr))
}

func TestTranscriptDurableSubset(t *testing.T) {
	reg := newTestRegistry(scriptedRunner())
	snap := createSession(t, reg, false)

	require.NoError(t, reg.StartTurn(context.Background(), snap.ID, "say hello"))

	records := readTranscript(t, reg, snap.ID)
	kinds := make([]Kind, 0, len(records))
	for _, rec := range records {
		assert.Zero(t, rec.Seq, "durable records carry no sequence numbers")
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []Kind{KindUserMessage, KindToolCall, KindToolResult, KindAssistantMessage, KindDone}, kinds)
	assert.Equal(t, "say hello", records[0].Text)
	assert.Equal(t, "Hello, world.", records[3].Text, "deltas coalesce into one assistant record")
}

func TestDeleteCancelsTurn(t *testing.T) {
	started := make(chan struct{})
	runner := runtime.RunnerFunc(func(ctx context.Context, prompt string, opts runtime.TurnOptions) (runtime.TurnResult, error) {
		close(started)
		<-ctx.Done()
		return runtime.TurnResult{}, ctx.Err()
	})
	reg := newTestRegistry(runner)
	snap := createSession(t, reg, false)

	turnErr := make(chan error, 1)
	go func() { turnErr <- reg.StartTurn(context.Background(), snap.ID, "doomed") }()
	<-started

	require.NoError(t, reg.Delete(snap.ID))
	require.ErrorIs(t, waitErr(t, turnErr), context.Canceled)

	_, err := reg.Get(snap.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func readTranscript(t *testing.T, reg *Registry, sessionID string) []Event {
	t.Helper()
	reg.mu.Lock()
	sess, ok := reg.sessions[sessionID]
	reg.mu.Unlock()
	require.True(t, ok)
	raw, err := os.ReadFile(storage.TranscriptPath(sess.workingDirectory))
	require.NoError(t, err)
	var records []Event
	require.NoError(t, json.Unmarshal(raw, &records))
	return records
}
