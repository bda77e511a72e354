package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/mir333/agentd/internal/storage"
)

// migrationMarker stamps a storage root whose task registries have been
// rewritten to the current shape. Its presence makes MigrateTasks a no-op.
const migrationMarker = ".migrated-v2"

// legacyTask reads the pre-v2 record shape, which bound tasks to a remote
// repository checkout instead of a plain working directory.
type legacyTask struct {
	Task
	Repository string `json:"repository,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// MigrateTasks upgrades legacy task registries in place: repository/branch
// pairs are folded into a workspace path under workspacesDir. Idempotent,
// runs once per storage root.
func MigrateTasks(store *storage.Store, workspacesDir string, logger *log.Logger) error {
	marker := filepath.Join(store.TasksDir(), migrationMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	entries, err := os.ReadDir(store.TasksDir())
	if err != nil {
		return fmt.Errorf("read tasks dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(store.TasksDir(), name)
		var legacy []legacyTask
		if err := storage.ReadJSON(path, &legacy); err != nil {
			return fmt.Errorf("read task registry %s: %w", name, err)
		}
		upgraded := make([]Task, 0, len(legacy))
		changed := false
		for _, lt := range legacy {
			task := lt.Task
			if task.WorkingDirectory == "" && lt.Repository != "" {
				task.WorkingDirectory = filepath.Join(workspacesDir, workspaceName(lt.Repository, lt.Branch))
				changed = true
				if logger != nil {
					logger.Info("migrated legacy task", "task", task.ID, "workingDirectory", task.WorkingDirectory)
				}
			}
			upgraded = append(upgraded, task)
		}
		if changed {
			if err := storage.WriteJSON(path, upgraded); err != nil {
				return fmt.Errorf("rewrite task registry %s: %w", name, err)
			}
		}
	}

	if err := os.WriteFile(marker, []byte("v2\n"), 0o644); err != nil {
		return fmt.Errorf("write migration marker: %w", err)
	}
	return nil
}

// workspaceName derives a stable directory name from a repository reference
// and optional branch.
func workspaceName(repository, branch string) string {
	name := strings.TrimSuffix(repository, ".git")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "workspace"
	}
	if branch != "" && branch != "main" && branch != "master" {
		name += "-" + strings.ReplaceAll(branch, "/", "-")
	}
	return name
}
