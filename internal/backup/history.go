package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// historyFile is the belt-and-braces sidecar original_source/app/backup.py's
// _save_history writes alongside its SQLite rows; BackupRecord rows in
// RelationalStore remain the source of truth this file mirrors.
const historyFile = "metadata/backup_history.json"

// historyEntry is the sidecar's per-record shape: close to model.BackupRecord
// but with timestamps pre-formatted, since this file is meant to be read by
// hand or by a separate tool, not unmarshaled back into Go.
type historyEntry struct {
	BackupID    string `json:"backup_id"`
	Kind        string `json:"kind"`
	Scope       string `json:"scope"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// writeHistorySidecar persists the last maxBackupRecords BackupRecords (by
// timestamp) to backups/metadata/backup_history.json. Failure is logged and
// swallowed: the relational table is the durable record, this file is a
// convenience mirror and must never fail a Run or Sweep.
func (c *Coordinator) writeHistorySidecar(ctx context.Context) {
	records, err := c.rel.ListRecentBackupRecords(ctx, maxBackupRecords)
	if err != nil {
		c.logger.Error("failed to list backup records for history sidecar", "error", err)
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, historyEntry{
			BackupID: r.BackupID, Kind: string(r.Kind), Scope: string(r.Scope), Path: r.Path,
			Size: r.Size, Status: string(r.Status), Description: r.Description,
			Timestamp: r.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	dir := filepath.Join(c.backupDir, "metadata")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Error("failed to create backup history directory", "dir", dir, "error", err)
		return
	}

	data, err := json.MarshalIndent(map[string]interface{}{"backups": entries}, "", "  ")
	if err != nil {
		c.logger.Error("failed to marshal backup history", "error", err)
		return
	}

	path := filepath.Join(c.backupDir, historyFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Error("failed to write backup history sidecar", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.logger.Error("failed to rename backup history sidecar into place", "path", path, "error", err)
		_ = os.Remove(tmp)
		return
	}
}
