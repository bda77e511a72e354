// Package session owns the pool of agent sessions: per-session turn state,
// the turn-scoped event stream with reconnect backfill, and the interactive
// question gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mir333/agentd/internal/idgen"
	"github.com/mir333/agentd/internal/runtime"
	"github.com/mir333/agentd/internal/storage"
)

type Status string

const (
	StatusIdle  Status = "idle"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

const (
	// maxBufferedEvents caps the in-memory replay buffer; on overflow the
	// buffer compacts to the most recent keepBufferedEvents entries,
	// evicting oldest-first.
	maxBufferedEvents  = 1000
	keepBufferedEvents = 500
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionBusy       = errors.New("session is busy")
	ErrNoPendingQuestion = errors.New("no pending question")
	ErrQuestionMismatch  = errors.New("call id does not match the pending question")
	ErrQuestionPending   = errors.New("a question is already pending for this session")
)

// Session holds one agent session's state. All mutable fields are guarded by
// the owning Registry's mutex; the identity fields are immutable after
// creation.
type Session struct {
	id               string
	name             string
	workingDirectory string
	ownerID          string
	createdAt        time.Time

	status      Status
	resumeToken string
	interactive bool
	pending     *pendingQuestion

	listeners      map[int64]func(Event)
	nextListenerID int64

	buffer    []Event
	seq       int64
	textParts []string

	cancelTurn context.CancelFunc
}

// Snapshot is the read-only view of a session handed across the API
// boundary.
type Snapshot struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	WorkingDirectory     string    `json:"workingDirectory"`
	OwnerID              string    `json:"ownerId,omitempty"`
	Status               Status    `json:"status"`
	InteractiveQuestions bool      `json:"interactiveQuestions"`
	PendingQuestion      *Question `json:"pendingQuestion,omitempty"`
	EventSeq             int64     `json:"eventSeq"`
	CreatedAt            time.Time `json:"createdAt"`
}

type CreateInput struct {
	Name                 string
	WorkingDirectory     string
	OwnerID              string
	InteractiveQuestions bool
}

// Subscription identifies one registered listener for later removal.
type Subscription struct {
	sessionID string
	id        int64
}

// Registry is the single owner of the session map. Every state transition
// happens under its mutex; event fan-out runs against a listener snapshot
// outside the lock.
type Registry struct {
	runner runtime.Runner
	log    *log.Logger
	nowFn  func() time.Time
	newID  func() string

	mu       sync.Mutex
	sessions map[string]*Session
}

type Option func(*Registry)

func WithClock(nowFn func() time.Time) Option {
	return func(r *Registry) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) {
		if newID != nil {
			r.newID = newID
		}
	}
}

func NewRegistry(runner runtime.Runner, logger *log.Logger, opts ...Option) *Registry {
	r := &Registry{
		runner:   runner,
		log:      logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
		newID:    idgen.New,
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) now() time.Time { return r.nowFn() }

func (r *Registry) Create(input CreateInput) (Snapshot, error) {
	if strings.TrimSpace(input.WorkingDirectory) == "" {
		return Snapshot{}, fmt.Errorf("working directory is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = "agent"
	}
	sess := &Session{
		id:               r.newID(),
		name:             name,
		workingDirectory: input.WorkingDirectory,
		ownerID:          input.OwnerID,
		createdAt:        r.now(),
		status:           StatusIdle,
		interactive:      input.InteractiveQuestions,
		listeners:        map[int64]func(Event){},
	}
	r.mu.Lock()
	r.sessions[sess.id] = sess
	snap := r.snapshotLocked(sess)
	r.mu.Unlock()
	return snap, nil
}

func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return r.snapshotLocked(sess), nil
}

func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, r.snapshotLocked(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete removes a session, cancelling any in-flight turn. The cancellation
// also releases a pending question suspension.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	cancel := sess.cancelTurn
	delete(r.sessions, id)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Abort cancels the session's in-flight turn, if any. Cancellation is
// cooperative: the upstream driver and any question suspension observe the
// turn context. Aborting an idle session is a no-op.
func (r *Registry) Abort(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	cancel := sess.cancelTurn
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// ClearContext drops the upstream continuation handle and writes a
// context-reset marker to the durable transcript.
func (r *Registry) ClearContext(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.status == StatusBusy {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	sess.resumeToken = ""
	r.mu.Unlock()
	r.record(sess, Event{Kind: KindContextReset, CreatedAt: r.now()})
	return nil
}

func (r *Registry) SetInteractiveQuestions(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.interactive = enabled
	return nil
}

// Subscribe registers a listener for the session's live events. Listeners
// are invoked synchronously, in emission order, from the turn's goroutine.
func (r *Registry) Subscribe(sessionID string, fn func(Event)) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("listener is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.nextListenerID++
	sess.listeners[sess.nextListenerID] = fn
	return &Subscription{sessionID: sessionID, id: sess.nextListenerID}, nil
}

func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sub.sessionID]; ok {
		delete(sess.listeners, sub.id)
	}
}

// BufferedSince returns the buffered events with seq > sinceSeq, in
// ascending order. Calling with the highest delivered sequence returns an
// empty slice; replay is idempotent for a fixed watermark.
func (r *Registry) BufferedSince(sessionID string, sinceSeq int64) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	var out []Event
	for _, ev := range sess.buffer {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// turn carries the reservation state between beginTurn and driveTurn.
type turn struct {
	sess        *Session
	ctx         context.Context
	cancel      context.CancelFunc
	prompt      string
	resumeToken string
}

// StartTurn drives one full turn against the upstream runtime, blocking
// until the terminal event. It fails fast, without mutating any state, when
// the session is unknown or already busy.
func (r *Registry) StartTurn(ctx context.Context, id, prompt string) error {
	t, err := r.beginTurn(ctx, id, prompt)
	if err != nil {
		return err
	}
	return r.driveTurn(t)
}

// StartTurnAsync reserves the turn synchronously, so busy and not-found
// rejections surface to the caller, then drives it in the background. The
// turn's outcome is observable through the event stream.
func (r *Registry) StartTurnAsync(id, prompt string) error {
	t, err := r.beginTurn(context.Background(), id, prompt)
	if err != nil {
		return err
	}
	go func() { _ = r.driveTurn(t) }()
	return nil
}

func (r *Registry) beginTurn(ctx context.Context, id, prompt string) (*turn, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.status == StatusBusy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	sess.status = StatusBusy
	sess.seq = 0
	sess.buffer = nil
	sess.textParts = nil
	sess.cancelTurn = cancel
	t := &turn{
		sess:        sess,
		ctx:         turnCtx,
		cancel:      cancel,
		prompt:      prompt,
		resumeToken: sess.resumeToken,
	}
	r.mu.Unlock()
	return t, nil
}

func (r *Registry) driveTurn(t *turn) error {
	sess := t.sess
	defer t.cancel()

	started := r.now()

	if err := os.MkdirAll(sess.workingDirectory, 0o755); err != nil {
		err = fmt.Errorf("create working directory: %w", err)
		r.failTurn(sess, err)
		return err
	}

	r.record(sess, Event{Kind: KindUserMessage, Text: t.prompt, CreatedAt: started})

	opts := runtime.TurnOptions{
		Cwd:         sess.workingDirectory,
		ResumeToken: t.resumeToken,
		OnText: func(text string) {
			r.emit(sess, Event{Kind: KindTextDelta, Text: text})
			r.mu.Lock()
			sess.textParts = append(sess.textParts, text)
			r.mu.Unlock()
		},
		OnToolCall: func(call runtime.ToolCall) {
			c := call
			r.record(sess, r.emit(sess, Event{Kind: KindToolCall, ToolCall: &c}))
		},
		OnToolResult: func(result runtime.ToolResult) {
			v := result
			r.record(sess, r.emit(sess, Event{Kind: KindToolResult, ToolResult: &v}))
		},
		AskUser: func(askCtx context.Context, call runtime.ToolCall) (string, bool, error) {
			return r.interceptQuestion(askCtx, sess, call)
		},
	}

	result, err := r.runner.RunTurn(t.ctx, t.prompt, opts)

	// Deltas streamed live are coalesced into a single durable assistant
	// record; one disk write per streamed token would swamp small disks.
	r.flushAssistantText(sess)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			r.mu.Lock()
			sess.status = StatusIdle
			sess.cancelTurn = nil
			r.mu.Unlock()
			return err
		}
		r.failTurn(sess, err)
		return err
	}

	r.mu.Lock()
	if result.ResumeToken != "" {
		sess.resumeToken = result.ResumeToken
	}
	sess.status = StatusIdle
	sess.cancelTurn = nil
	r.mu.Unlock()

	stats := &TurnStats{
		CostUSD:    result.CostUSD,
		Usage:      result.Usage,
		DurationMs: r.now().Sub(started).Milliseconds(),
	}
	r.record(sess, r.emit(sess, Event{Kind: KindDone, Done: stats}))
	return nil
}

func (r *Registry) failTurn(sess *Session, cause error) {
	r.mu.Lock()
	sess.status = StatusError
	sess.cancelTurn = nil
	r.mu.Unlock()
	r.record(sess, r.emit(sess, Event{Kind: KindError, Error: cause.Error()}))
}

func (r *Registry) flushAssistantText(sess *Session) {
	r.mu.Lock()
	text := strings.Join(sess.textParts, "")
	sess.textParts = nil
	r.mu.Unlock()
	if text == "" {
		return
	}
	r.record(sess, Event{Kind: KindAssistantMessage, Text: text, CreatedAt: r.now()})
}

// emit assigns the next turn-scoped sequence number, appends to the replay
// buffer, and fans out to the current listeners. Per-turn ordering holds
// because every emission for a turn happens on the turn's goroutine.
func (r *Registry) emit(sess *Session, ev Event) Event {
	r.mu.Lock()
	sess.seq++
	ev.Seq = sess.seq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	sess.buffer = append(sess.buffer, ev)
	if len(sess.buffer) > maxBufferedEvents {
		kept := make([]Event, keepBufferedEvents)
		copy(kept, sess.buffer[len(sess.buffer)-keepBufferedEvents:])
		sess.buffer = kept
	}
	listeners := make([]func(Event), 0, len(sess.listeners))
	for _, fn := range sess.listeners {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		r.notify(fn, ev)
	}
	return ev
}

// notify isolates listener panics so one faulty subscriber cannot abort the
// turn.
func (r *Registry) notify(fn func(Event), ev Event) {
	defer func() {
		if p := recover(); p != nil && r.log != nil {
			r.log.Warn("event listener panicked", "panic", p)
		}
	}()
	fn(ev)
}

func (r *Registry) record(sess *Session, ev Event) {
	if err := storage.AppendTranscript(sess.workingDirectory, ev.record()); err != nil && r.log != nil {
		r.log.Warn("transcript write failed", "session", sess.id, "err", err)
	}
}

func (r *Registry) snapshotLocked(sess *Session) Snapshot {
	snap := Snapshot{
		ID:                   sess.id,
		Name:                 sess.name,
		WorkingDirectory:     sess.workingDirectory,
		OwnerID:              sess.ownerID,
		Status:               sess.status,
		InteractiveQuestions: sess.interactive,
		EventSeq:             sess.seq,
		CreatedAt:            sess.createdAt,
	}
	if sess.pending != nil {
		q := *sess.pending.question
		snap.PendingQuestion = &q
	}
	return snap
}
