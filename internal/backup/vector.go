package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/refserver/paperingest/internal/model"
	"github.com/refserver/paperingest/internal/storage"
)

// VectorSnapshotter wraps Qdrant's native collection-snapshot API. The
// teacher's pack has no local vector-store directory to tar (Qdrant is a
// remote service), so this substitutes Qdrant's own SnapshotsClient for the
// "tar the vector-store directory" instruction — the snapshot lives on the
// Qdrant side, and the BackupRecord's Path holds the snapshot's name.
type VectorSnapshotter struct {
	vec *storage.VectorStore
}

func NewVectorSnapshotter(vec *storage.VectorStore) *VectorSnapshotter {
	return &VectorSnapshotter{vec: vec}
}

// Snapshot asks Qdrant to produce a native snapshot and records it.
func (v *VectorSnapshotter) Snapshot(ctx context.Context) (*model.BackupRecord, error) {
	name, creationTime, err := v.vec.CreateSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("create vector snapshot: %w", err)
	}
	return &model.BackupRecord{
		Kind: model.BackupSnapshot, Scope: model.ScopeVector, Path: name,
		Status: model.BackupStatusCompleted, Timestamp: time.Unix(creationTime, 0),
	}, nil
}

// Delete removes a named Qdrant snapshot, used by the retention sweep.
func (v *VectorSnapshotter) Delete(ctx context.Context, name string) error {
	return v.vec.DeleteSnapshot(ctx, name)
}
