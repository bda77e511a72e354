package scheduler

import (
	"context"
	"fmt"
	"os"
)

// Provisioner prepares a task's working directory before a run starts.
// Failures surface as a failed run with no session ever created.
type Provisioner interface {
	Provision(ctx context.Context, task Task) error
}

type ProvisionerFunc func(ctx context.Context, task Task) error

func (f ProvisionerFunc) Provision(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// DirProvisioner is the local default: it ensures the working directory
// exists. Remote-checkout provisioning plugs in behind the same interface.
type DirProvisioner struct{}

func (DirProvisioner) Provision(_ context.Context, task Task) error {
	if task.WorkingDirectory == "" {
		return fmt.Errorf("task %s has no working directory", task.ID)
	}
	if err := os.MkdirAll(task.WorkingDirectory, 0o755); err != nil {
		return fmt.Errorf("prepare working directory: %w", err)
	}
	return nil
}
