package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSON marshals v and writes it atomically: the payload goes to a
// uniquely-named temporary file in the destination directory first, then a
// rename swaps it into place. Concurrent readers never observe a partial
// write; a failed write leaves the previous file intact.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// ReadJSON unmarshals the file at path into out. A missing file surfaces as
// an error satisfying os.IsNotExist / errors.Is(err, fs.ErrNotExist).
func ReadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Append loads the JSON list at path, appends record, and rewrites the file
// atomically. When max > 0 the list is truncated to the most recent max
// entries before the rewrite. Acceptable for small, low-frequency lists:
// run histories grow one entry per execution and transcripts one entry per
// durable event.
func Append(path string, record any, max int) error {
	var items []json.RawMessage
	if err := ReadJSON(path, &items); err != nil && !os.IsNotExist(err) {
		return err
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	items = append(items, raw)
	if max > 0 && len(items) > max {
		items = items[len(items)-max:]
	}
	return WriteJSON(path, items)
}
