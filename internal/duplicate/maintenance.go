package duplicate

import (
	"context"
	"fmt"
	"time"
)

// MaintenanceReport tallies what each sweep removed.
type MaintenanceReport struct {
	OrphansRemoved   int64
	DuplicatesKept   int64
	DuplicatesPruned int64
	UnusedRemoved    int64
	LogsPruned       int64
}

// CleanupOrphans deletes hash rows whose doc_id no longer resolves to a
// Paper (spec.md §4.2 orphan cleanup).
func (d *Detector) CleanupOrphans(ctx context.Context) (int64, error) {
	n, err := d.store.DeleteOrphanHashes(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup orphans: %w", err)
	}
	return n, nil
}

// CleanupDuplicateHashRows keeps, per (paper, strategy?) group, only the
// newest hash row by created_at, removing the rest.
func (d *Detector) CleanupDuplicateHashRows(ctx context.Context) (int64, error) {
	n, err := d.store.DeleteDuplicateHashRows(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup duplicate hash rows: %w", err)
	}
	return n, nil
}

// CleanupUnused deletes hash rows whose Paper is older than threshold and
// was not the matched_doc_id of any DetectionLog within that threshold.
func (d *Detector) CleanupUnused(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	n, err := d.store.DeleteUnusedHashes(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup unused hashes: %w", err)
	}
	return n, nil
}

// PruneLogs deletes DetectionLogs older than the configured retention.
func (d *Detector) PruneLogs(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	n, err := d.store.PruneDetectionLogs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune detection logs: %w", err)
	}
	return n, nil
}

// RunMaintenance executes every sweep in sequence and returns a combined report.
func (d *Detector) RunMaintenance(ctx context.Context, unusedThreshold time.Duration, logRetentionDays int) (*MaintenanceReport, error) {
	report := &MaintenanceReport{}

	orphans, err := d.CleanupOrphans(ctx)
	if err != nil {
		return report, err
	}
	report.OrphansRemoved = orphans

	pruned, err := d.CleanupDuplicateHashRows(ctx)
	if err != nil {
		return report, err
	}
	report.DuplicatesPruned = pruned

	unused, err := d.CleanupUnused(ctx, unusedThreshold)
	if err != nil {
		return report, err
	}
	report.UnusedRemoved = unused

	logs, err := d.PruneLogs(ctx, logRetentionDays)
	if err != nil {
		return report, err
	}
	report.LogsPruned = logs

	return report, nil
}
