package backup

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refserver/paperingest/internal/ingesterr"
	"github.com/refserver/paperingest/internal/logging"
	"github.com/refserver/paperingest/internal/model"
	"github.com/refserver/paperingest/internal/storage"
)

const maxBackupRecords = 1000

// Coordinator is the unifier of original_source/app/backup.py's
// UnifiedBackupManager: it runs the relational and vector snapshotters in
// sequence under a process-global lock, returns a combined record pair,
// and owns the retention sweep and restore-with-safety-snapshot flow.
type Coordinator struct {
	rel *storage.RelationalStore

	relational *RelationalSnapshotter
	vector     *VectorSnapshotter

	backupDir string
	logger    *logging.Logger

	mu sync.Mutex
}

func NewCoordinator(rel *storage.RelationalStore, vec *storage.VectorStore, backupDir string, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		rel: rel, relational: NewRelationalSnapshotter(rel), vector: NewVectorSnapshotter(vec),
		backupDir: backupDir, logger: logger,
	}
}

// Result is the combined outcome of a unified backup run.
type Result struct {
	Relational *model.BackupRecord
	Vector     *model.BackupRecord
	Errors     []string
}

// Run executes both snapshotters in sequence under a process-global lock
// (the unifier never overlaps with another Run or a Restore).
func (c *Coordinator) Run(ctx context.Context, kind model.BackupKind, retentionDays int, description string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := &Result{}
	compress := kind != model.BackupIncremental

	relRecord, err := c.relational.Snapshot(ctx, c.backupDir, kind, compress)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("relational: %v", err))
		relRecord = &model.BackupRecord{Kind: kind, Scope: model.ScopeRelational, Status: model.BackupStatusFailed, Timestamp: time.Now()}
	}
	relRecord.BackupID = uuid.New().String()
	relRecord.RetentionDays = retentionDays
	relRecord.ExpireAt = relRecord.Timestamp.AddDate(0, 0, retentionDays)
	relRecord.Description = description
	if err := c.rel.InsertBackupRecord(ctx, relRecord); err != nil {
		c.logger.Error("failed to record relational backup", "error", err)
	}
	res.Relational = relRecord

	vecRecord, err := c.vector.Snapshot(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("vector: %v", err))
		vecRecord = &model.BackupRecord{Kind: kind, Scope: model.ScopeVector, Status: model.BackupStatusFailed, Timestamp: time.Now()}
	}
	vecRecord.BackupID = uuid.New().String()
	vecRecord.RetentionDays = retentionDays
	vecRecord.ExpireAt = vecRecord.Timestamp.AddDate(0, 0, retentionDays)
	vecRecord.Description = description
	if err := c.rel.InsertBackupRecord(ctx, vecRecord); err != nil {
		c.logger.Error("failed to record vector backup", "error", err)
	}
	res.Vector = vecRecord

	c.writeHistorySidecar(ctx)

	if len(res.Errors) > 0 {
		return res, fmt.Errorf("unified backup completed with errors: %v", res.Errors)
	}
	return res, nil
}

// Sweep deletes expired, completed backups (relational files from disk,
// vector snapshots from Qdrant) and prunes the record set to a cap.
func (c *Coordinator) Sweep(ctx context.Context) (removed int, err error) {
	expired, err := c.rel.ListExpiredBackupRecords(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("list expired backup records: %w", err)
	}

	for _, b := range expired {
		if c.purge(ctx, b) {
			removed++
		}
	}

	overflow, err := c.rel.ListBackupRecordsBeyond(ctx, maxBackupRecords)
	if err != nil {
		return removed, fmt.Errorf("list backups beyond cap: %w", err)
	}
	for _, b := range overflow {
		if c.purge(ctx, b) {
			removed++
		}
	}
	c.writeHistorySidecar(ctx)
	return removed, nil
}

// purge deletes a backup's underlying file/snapshot and its record row.
func (c *Coordinator) purge(ctx context.Context, b *model.BackupRecord) bool {
	switch b.Scope {
	case model.ScopeRelational:
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			c.logger.Error("failed to remove backup file", "path", b.Path, "error", err)
			return false
		}
	case model.ScopeVector:
		if err := c.vector.Delete(ctx, b.Path); err != nil {
			c.logger.Error("failed to remove vector snapshot", "name", b.Path, "error", err)
			return false
		}
	}
	if err := c.rel.DeleteBackupRecord(ctx, b.BackupID); err != nil {
		c.logger.Error("failed to delete backup record", "backup_id", b.BackupID, "error", err)
		return false
	}
	return true
}

// Restore looks up a completed relational BackupRecord, verifies its
// checksum, takes an automatic short-retention safety snapshot of the live
// database, then atomically overwrites it.
func (c *Coordinator) Restore(ctx context.Context, backupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.findRecord(ctx, backupID)
	if err != nil {
		return err
	}
	if record.Status != model.BackupStatusCompleted {
		return ingesterr.NewBackupError("restore", fmt.Errorf("backup %s is not completed", backupID))
	}
	if record.Scope != model.ScopeRelational {
		return ingesterr.NewBackupError("restore", fmt.Errorf("only relational backups can be restored through this call"))
	}
	if _, err := os.Stat(record.Path); err != nil {
		return ingesterr.NewBackupError("restore", fmt.Errorf("backup file missing: %w", err))
	}
	if sum, err := sha256File(record.Path); err != nil || sum != record.ChecksumSHA256 {
		return ingesterr.NewBackupError("restore", fmt.Errorf("checksum mismatch for backup %s", backupID))
	}

	safety, err := c.relational.Snapshot(ctx, c.backupDir, model.BackupSnapshot, true)
	if err != nil {
		return ingesterr.NewBackupError("restore", fmt.Errorf("safety snapshot before restore failed: %w", err))
	}
	safety.BackupID = uuid.New().String()
	safety.RetentionDays = 7
	safety.ExpireAt = safety.Timestamp.AddDate(0, 0, 7)
	safety.Description = fmt.Sprintf("safety snapshot before restore of %s", backupID)
	if err := c.rel.InsertBackupRecord(ctx, safety); err != nil {
		c.logger.Error("failed to record safety snapshot", "error", err)
	}

	restorePath := record.Path
	if record.Compressed {
		tmp := c.rel.Path() + ".restore.tmp"
		if err := gunzipFile(record.Path, tmp); err != nil {
			return ingesterr.NewBackupError("restore", fmt.Errorf("decompress backup: %w", err))
		}
		restorePath = tmp
	}
	defer func() {
		if restorePath != record.Path {
			os.Remove(restorePath)
		}
	}()

	liveDB := c.rel.Path()
	if err := atomicCopy(restorePath, liveDB); err != nil {
		return ingesterr.NewBackupError("restore", fmt.Errorf("restore copy: %w", err))
	}
	return nil
}

// HealthReport is the outcome of a scheduled backup health check.
type HealthReport struct {
	RecentBackupFound bool
	NewestBackupAge   time.Duration
	IntegrityOK       bool
	IntegrityDetail   string
}

// maxBackupAge matches original_source/app/backup.py's _backup_health_check,
// which allows a backup to be up to 26 hours old: 2 hours of slack past a
// nominal 24-hour cadence.
const maxBackupAge = 26 * time.Hour

// HealthCheck reports whether a recent relational backup exists and whether
// the live database still passes SQLite's integrity check. It never takes
// the coordinator's lock since it only reads state; an in-progress Run or
// Restore will simply be reflected in the next tick.
func (c *Coordinator) HealthCheck(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{}

	newest, err := c.rel.MostRecentCompletedBackup(ctx, model.ScopeRelational)
	if err != nil {
		return nil, fmt.Errorf("find most recent backup: %w", err)
	}
	if newest != nil {
		report.NewestBackupAge = time.Since(newest.Timestamp)
		report.RecentBackupFound = report.NewestBackupAge <= maxBackupAge
	}
	if !report.RecentBackupFound {
		c.logger.Warn("no recent relational backup found", "max_age", maxBackupAge)
	}

	ok, detail, err := c.rel.IntegrityCheck(ctx)
	if err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}
	report.IntegrityOK, report.IntegrityDetail = ok, detail
	if !ok {
		c.logger.Error("database integrity check failed", "detail", detail)
	}

	return report, nil
}

func (c *Coordinator) findRecord(ctx context.Context, backupID string) (*model.BackupRecord, error) {
	record, err := c.rel.GetBackupRecord(ctx, backupID)
	if err != nil {
		return nil, fmt.Errorf("get backup record: %w", err)
	}
	if record == nil {
		return nil, ingesterr.NewNotFound("backup", backupID)
	}
	return record, nil
}

// atomicCopy writes src's contents to a temp file beside dest, then
// renames it into place so a reader of dest never observes a partial write.
func atomicCopy(src, dest string) error {
	tmp := dest + ".restoring"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
