// Package scheduler maintains the cron-driven task registry and executes due
// tasks inside short-lived, non-interactive agent sessions.
package scheduler

import (
	"time"

	"github.com/mir333/agentd/internal/runtime"
	"github.com/mir333/agentd/internal/session"
)

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Task is a scheduled (or one-off) prompt bound to a working directory. An
// empty CronExpression marks a one-off task: it is never enabled and never
// carries a NextRunAt.
type Task struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"ownerId,omitempty"`
	Name             string     `json:"name"`
	WorkingDirectory string     `json:"workingDirectory"`
	Prompt           string     `json:"prompt"`
	CronExpression   string     `json:"cronExpression,omitempty"`
	Enabled          bool       `json:"enabled"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	LastRunAt        *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus    RunStatus  `json:"lastRunStatus,omitempty"`

	// NextRunAt is epoch milliseconds; 0 means "never" (one-off or
	// disabled).
	NextRunAt int64 `json:"nextRunAt,omitempty"`
}

func (t Task) OneOff() bool { return t.CronExpression == "" }

// Due reports whether the task should fire at now.
func (t Task) Due(now time.Time) bool {
	return t.Enabled && t.NextRunAt > 0 && t.NextRunAt <= now.UnixMilli()
}

// Run is one execution of a task, appended to the capped per-task history.
type Run struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"taskId"`
	Status        RunStatus     `json:"status"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   time.Time     `json:"completedAt"`
	DurationMs    int64         `json:"durationMs"`
	CostUSD       float64       `json:"cost"`
	Usage         runtime.Usage `json:"usage"`
	Error         string        `json:"error,omitempty"`
	ResultSummary string        `json:"resultSummary,omitempty"`
}

// RunDetail pairs a run with its full captured transcript, stored as one
// uncapped file per run.
type RunDetail struct {
	Run        Run             `json:"run"`
	Transcript []session.Event `json:"transcript"`
}
