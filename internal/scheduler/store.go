package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mir333/agentd/internal/idgen"
	"github.com/mir333/agentd/internal/storage"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task is already running")
)

// TaskInput carries the caller-settable task fields.
type TaskInput struct {
	OwnerID          string `json:"ownerId,omitempty"`
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDirectory"`
	Prompt           string `json:"prompt"`
	CronExpression   string `json:"cronExpression,omitempty"`
	Enabled          bool   `json:"enabled"`
}

// TaskStore is the single owner of the in-memory task registry. Disk is a
// durability backstop: every mutation rewrites the owner's registry file
// atomically, and Load rebuilds the map on startup.
type TaskStore struct {
	store *storage.Store
	nowFn func() time.Time
	newID func() string

	mu    sync.Mutex
	tasks map[string]Task
}

type StoreOption func(*TaskStore)

func WithClock(nowFn func() time.Time) StoreOption {
	return func(s *TaskStore) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newID func() string) StoreOption {
	return func(s *TaskStore) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func NewTaskStore(store *storage.Store, opts ...StoreOption) *TaskStore {
	s := &TaskStore{
		store: store,
		nowFn: func() time.Time { return time.Now().UTC() },
		newID: idgen.New,
		tasks: map[string]Task{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *TaskStore) now() time.Time { return s.nowFn() }

// Load reads every owner registry file under the tasks directory into
// memory, replacing the current map.
func (s *TaskStore) Load() error {
	entries, err := os.ReadDir(s.store.TasksDir())
	if err != nil {
		return fmt.Errorf("read tasks dir: %w", err)
	}
	loaded := map[string]Task{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var tasks []Task
		if err := storage.ReadJSON(filepath.Join(s.store.TasksDir(), name), &tasks); err != nil {
			return fmt.Errorf("load task registry %s: %w", name, err)
		}
		for _, t := range tasks {
			loaded[t.ID] = t
		}
	}
	s.mu.Lock()
	s.tasks = loaded
	s.mu.Unlock()
	return nil
}

func validateInput(input TaskInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("task name is required")
	}
	if strings.TrimSpace(input.WorkingDirectory) == "" {
		return fmt.Errorf("working directory is required")
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if input.CronExpression != "" {
		if err := ValidateCron(input.CronExpression); err != nil {
			return err
		}
	}
	if input.Enabled && input.CronExpression == "" {
		return fmt.Errorf("a one-off task cannot be enabled")
	}
	return nil
}

func (s *TaskStore) Create(input TaskInput) (Task, error) {
	if err := validateInput(input); err != nil {
		return Task{}, err
	}
	now := s.now()
	task := Task{
		ID:               s.newID(),
		OwnerID:          input.OwnerID,
		Name:             input.Name,
		WorkingDirectory: input.WorkingDirectory,
		Prompt:           input.Prompt,
		CronExpression:   input.CronExpression,
		Enabled:          input.Enabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if task.Enabled {
		task.NextRunAt = NextRun(task.CronExpression, now)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	if err := s.persistOwnerLocked(task.OwnerID); err != nil {
		delete(s.tasks, task.ID)
		return Task{}, err
	}
	return task, nil
}

// Update replaces the caller-settable fields. A cron edit or a re-enable
// recomputes the next fire time; disabling clears it.
func (s *TaskStore) Update(id string, input TaskInput) (Task, error) {
	if err := validateInput(input); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	prev := task
	task.Name = input.Name
	task.WorkingDirectory = input.WorkingDirectory
	task.Prompt = input.Prompt
	task.CronExpression = input.CronExpression
	task.Enabled = input.Enabled
	task.UpdatedAt = s.now()
	if !task.Enabled {
		task.NextRunAt = 0
	} else if task.CronExpression != prev.CronExpression || !prev.Enabled {
		task.NextRunAt = NextRun(task.CronExpression, task.UpdatedAt)
	}
	s.tasks[id] = task
	if err := s.persistOwnerLocked(task.OwnerID); err != nil {
		s.tasks[id] = prev
		return Task{}, err
	}
	return task, nil
}

func (s *TaskStore) SetEnabled(id string, enabled bool) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if enabled && task.OneOff() {
		return Task{}, fmt.Errorf("a one-off task cannot be enabled")
	}
	prev := task
	task.Enabled = enabled
	task.UpdatedAt = s.now()
	if enabled {
		task.NextRunAt = NextRun(task.CronExpression, task.UpdatedAt)
	} else {
		task.NextRunAt = 0
	}
	s.tasks[id] = task
	if err := s.persistOwnerLocked(task.OwnerID); err != nil {
		s.tasks[id] = prev
		return Task{}, err
	}
	return task, nil
}

func (s *TaskStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	if err := s.persistOwnerLocked(task.OwnerID); err != nil {
		s.tasks[id] = task
		return err
	}
	return nil
}

func (s *TaskStore) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return task, nil
}

// List returns tasks sorted by creation time, filtered by owner when owner
// is non-empty.
func (s *TaskStore) List(owner string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if owner != "" && t.OwnerID != owner {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DueTasks returns the enabled tasks whose next fire time has elapsed.
func (s *TaskStore) DueTasks(now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Task
	for _, t := range s.tasks {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt < due[j].NextRunAt })
	return due
}

// RecordRun stamps the outcome of a completed run and advances the next fire
// time. It runs for failed executions too; a broken run must not leave the
// schedule stale.
func (s *TaskStore) RecordRun(id string, status RunStatus, completedAt time.Time) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	prev := task
	at := completedAt
	task.LastRunAt = &at
	task.LastRunStatus = status
	task.UpdatedAt = s.now()
	if task.Enabled {
		task.NextRunAt = NextRun(task.CronExpression, completedAt)
	}
	s.tasks[id] = task
	if err := s.persistOwnerLocked(task.OwnerID); err != nil {
		s.tasks[id] = prev
		return Task{}, err
	}
	return task, nil
}

// RecomputeNextRuns refreshes every enabled task's next fire time against
// now. Run at startup so downtime never leaves fire times in the past
// permanently.
func (s *TaskStore) RecomputeNextRuns(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := map[string]bool{}
	for id, t := range s.tasks {
		if !t.Enabled {
			continue
		}
		next := NextRun(t.CronExpression, now)
		if next != t.NextRunAt {
			t.NextRunAt = next
			s.tasks[id] = t
			owners[t.OwnerID] = true
		}
	}
	for owner := range owners {
		if err := s.persistOwnerLocked(owner); err != nil {
			return err
		}
	}
	return nil
}

func (s *TaskStore) persistOwnerLocked(owner string) error {
	var tasks []Task
	for _, t := range s.tasks {
		if t.OwnerID == owner {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	if len(tasks) == 0 {
		err := os.Remove(s.store.TasksPath(owner))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove empty task registry: %w", err)
		}
		return nil
	}
	if err := storage.WriteJSON(s.store.TasksPath(owner), tasks); err != nil {
		return fmt.Errorf("persist task registry: %w", err)
	}
	return nil
}
