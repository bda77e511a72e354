package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// RunHistoryCap bounds the number of runs retained per task. Run detail
// files are not capped; they are removed with the task.
const RunHistoryCap = 100

const transcriptDir = ".agentd"

// Store maps the persisted layout onto a directory tree:
//
//	<root>/tasks/<owner>.json          task registry, one file per owner
//	<root>/runs/<taskID>/history.json  capped run history
//	<root>/runs/<taskID>/run-<id>.json full transcript per run
//	<workingDir>/.agentd/transcript.json  live-session conversation records
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	for _, dir := range []string{root, filepath.Join(root, "tasks"), filepath.Join(root, "runs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) TasksDir() string {
	return filepath.Join(s.root, "tasks")
}

func (s *Store) TasksPath(owner string) string {
	if owner == "" {
		owner = "default"
	}
	return filepath.Join(s.root, "tasks", owner+".json")
}

func (s *Store) RunHistoryPath(taskID string) string {
	return filepath.Join(s.root, "runs", taskID, "history.json")
}

func (s *Store) RunDetailPath(taskID, runID string) string {
	return filepath.Join(s.root, "runs", taskID, "run-"+runID+".json")
}

// AppendRun appends a run record to the task's capped history.
func (s *Store) AppendRun(taskID string, run any) error {
	return Append(s.RunHistoryPath(taskID), run, RunHistoryCap)
}

// WriteRunDetail persists the full transcript record for one run.
func (s *Store) WriteRunDetail(taskID, runID string, detail any) error {
	return WriteJSON(s.RunDetailPath(taskID, runID), detail)
}

// DeleteTaskData removes a task's run history and every run detail file.
func (s *Store) DeleteTaskData(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	return os.RemoveAll(filepath.Join(s.root, "runs", taskID))
}

// TranscriptPath locates the conversation record file scoped under a
// session's working directory.
func TranscriptPath(workingDir string) string {
	return filepath.Join(workingDir, transcriptDir, "transcript.json")
}

// AppendTranscript appends one durable conversation record for a live
// session. Uncapped: the transcript is the durable system of record for the
// conversation.
func AppendTranscript(workingDir string, record any) error {
	return Append(TranscriptPath(workingDir), record, 0)
}
