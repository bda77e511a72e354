package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mir333/agentd/internal/idgen"
	"github.com/mir333/agentd/internal/session"
	"github.com/mir333/agentd/internal/storage"
)

// summaryLimit bounds the characters of streamed text kept as a run's
// result summary; the full text lives in the run detail.
const summaryLimit = 500

// EngineConfig tunes the tick loop. Zero values pick defaults.
type EngineConfig struct {
	TickInterval time.Duration

	// Now and NewRunID exist for tests.
	Now      func() time.Time
	NewRunID func() string
}

// Engine owns the tick loop and per-task mutual exclusion. A task runs in an
// ephemeral session created for the run and deleted with it; the engine is
// the only writer of run history.
type Engine struct {
	tasks     *TaskStore
	sessions  *session.Registry
	store     *storage.Store
	provision Provisioner
	log       *log.Logger

	tick     time.Duration
	nowFn    func() time.Time
	newRunID func() string

	mu        sync.Mutex
	running   map[string]struct{}
	observers []func(Run)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(tasks *TaskStore, sessions *session.Registry, store *storage.Store, provision Provisioner, logger *log.Logger, cfg EngineConfig) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = idgen.RunID
	}
	if provision == nil {
		provision = DirProvisioner{}
	}
	return &Engine{
		tasks:     tasks,
		sessions:  sessions,
		store:     store,
		provision: provision,
		log:       logger,
		tick:      cfg.TickInterval,
		nowFn:     cfg.Now,
		newRunID:  cfg.NewRunID,
		running:   map[string]struct{}{},
	}
}

// OnRunComplete registers an observer called after every run, successful or
// not, outside the engine's lock.
func (e *Engine) OnRunComplete(fn func(Run)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

// Start upgrades legacy records, loads the registry, recomputes fire times,
// runs one immediate tick, and then launches the periodic loop. No due task
// waits a full period after a restart.
func (e *Engine) Start(ctx context.Context, workspacesDir string) error {
	if err := MigrateTasks(e.store, workspacesDir, e.log); err != nil {
		return fmt.Errorf("migrate task records: %w", err)
	}
	if err := e.tasks.Load(); err != nil {
		return err
	}
	if err := e.tasks.RecomputeNextRuns(e.nowFn()); err != nil {
		return err
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.runTick()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.tick)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.runTick()
			}
		}
	}()
	return nil
}

// Stop cancels in-flight runs and waits for the loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) runTick() {
	for _, task := range e.tasks.DueTasks(e.nowFn()) {
		if err := e.Trigger(task.ID); err != nil && e.log != nil {
			e.log.Warn("skipping due task", "task", task.ID, "err", err)
		}
	}
}

// Running reports whether the task has a run in flight.
func (e *Engine) Running(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskID]
	return ok
}

// Trigger starts a run in the background. The running slot is reserved
// before returning, so a second trigger while the run is in flight is
// rejected, never queued.
func (e *Engine) Trigger(taskID string) error {
	task, err := e.reserve(taskID)
	if err != nil {
		return err
	}
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(taskID)
		e.executeReserved(ctx, task)
	}()
	return nil
}

// Execute runs a task synchronously and returns its run record. Same
// exclusion rules as Trigger.
func (e *Engine) Execute(ctx context.Context, taskID string) (Run, error) {
	task, err := e.reserve(taskID)
	if err != nil {
		return Run{}, err
	}
	defer e.release(taskID)
	return e.executeReserved(ctx, task), nil
}

func (e *Engine) reserve(taskID string) (Task, error) {
	task, err := e.tasks.Get(taskID)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[taskID]; ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}
	e.running[taskID] = struct{}{}
	return task, nil
}

func (e *Engine) release(taskID string) {
	e.mu.Lock()
	delete(e.running, taskID)
	e.mu.Unlock()
}

// executeReserved performs one run end to end. Any failure up to and
// including the turn becomes an error run; the schedule still advances and
// no ephemeral session survives the run.
func (e *Engine) executeReserved(ctx context.Context, task Task) Run {
	started := e.nowFn()
	run := Run{
		ID:        e.newRunID(),
		TaskID:    task.ID,
		StartedAt: started,
	}
	if e.log != nil {
		e.log.Info("task run started", "task", task.ID, "run", run.ID)
	}

	var events []session.Event
	err := func() error {
		if err := e.provision.Provision(ctx, task); err != nil {
			return err
		}
		snap, err := e.sessions.Create(session.CreateInput{
			Name:             "task: " + task.Name,
			WorkingDirectory: task.WorkingDirectory,
			OwnerID:          task.OwnerID,
			// Unattended runs never block on human input.
			InteractiveQuestions: false,
		})
		if err != nil {
			return err
		}
		defer func() { _ = e.sessions.Delete(snap.ID) }()

		sub, err := e.sessions.Subscribe(snap.ID, func(ev session.Event) {
			events = append(events, ev)
		})
		if err != nil {
			return err
		}
		defer e.sessions.Unsubscribe(sub)

		return e.sessions.StartTurn(ctx, snap.ID, task.Prompt)
	}()

	completed := e.nowFn()
	run.CompletedAt = completed
	run.DurationMs = completed.Sub(started).Milliseconds()
	if err != nil {
		run.Status = RunError
		run.Error = err.Error()
	} else {
		run.Status = RunSuccess
		run.ResultSummary = summarize(events)
		if stats := doneStats(events); stats != nil {
			run.CostUSD = stats.CostUSD
			run.Usage = stats.Usage
		}
	}

	if err := e.store.AppendRun(task.ID, run); err != nil && e.log != nil {
		e.log.Error("append run history failed", "task", task.ID, "err", err)
	}
	detail := RunDetail{Run: run, Transcript: session.StripSeqs(events)}
	if err := e.store.WriteRunDetail(task.ID, run.ID, detail); err != nil && e.log != nil {
		e.log.Error("write run detail failed", "task", task.ID, "run", run.ID, "err", err)
	}
	if _, err := e.tasks.RecordRun(task.ID, run.Status, completed); err != nil && e.log != nil {
		e.log.Error("record run on task failed", "task", task.ID, "err", err)
	}

	if e.log != nil {
		e.log.Info("task run finished", "task", task.ID, "run", run.ID, "status", run.Status, "durationMs", run.DurationMs)
	}
	e.notifyRunComplete(run)
	return run
}

func (e *Engine) notifyRunComplete(run Run) {
	e.mu.Lock()
	observers := make([]func(Run), len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(run)
	}
}

// RunHistory returns the task's capped run history, newest last. A task with
// no runs yet has an empty history, not an error.
func (e *Engine) RunHistory(taskID string) ([]Run, error) {
	if _, err := e.tasks.Get(taskID); err != nil {
		return nil, err
	}
	var runs []Run
	if err := storage.ReadJSON(e.store.RunHistoryPath(taskID), &runs); err != nil {
		if os.IsNotExist(err) {
			return []Run{}, nil
		}
		return nil, err
	}
	return runs, nil
}

// RunDetailFor loads the full transcript record for one run.
func (e *Engine) RunDetailFor(taskID, runID string) (RunDetail, error) {
	var detail RunDetail
	if err := storage.ReadJSON(e.store.RunDetailPath(taskID, runID), &detail); err != nil {
		if os.IsNotExist(err) {
			return RunDetail{}, fmt.Errorf("run %s not found for task %s", runID, taskID)
		}
		return RunDetail{}, err
	}
	return detail, nil
}

// DeleteTask removes a task along with its run history and details.
func (e *Engine) DeleteTask(taskID string) error {
	if e.Running(taskID) {
		return fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}
	if err := e.tasks.Delete(taskID); err != nil {
		return err
	}
	return e.store.DeleteTaskData(taskID)
}

func summarize(events []session.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == session.KindTextDelta {
			b.WriteString(ev.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	runes := []rune(text)
	if len(runes) > summaryLimit {
		return string(runes[:summaryLimit])
	}
	return text
}

func doneStats(events []session.Event) *session.TurnStats {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == session.KindDone {
			return events[i].Done
		}
	}
	return nil
}
