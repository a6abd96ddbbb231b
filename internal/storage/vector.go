// Vector store client over Qdrant's native gRPC API. Adapted from the
// teacher's internal/storage/qdrant.go: the connection/collection-bootstrap
// and qdrant.Value payload marshaling are kept nearly as-is (they are
// transport plumbing, not domain logic); Upsert/Search/Get/Delete are
// generalized to a configurable vector dimension and take whatever point ID
// the caller supplies (doc_id for a document vector, a fresh UUID for each
// page vector), ScrollAll is added for the consistency checker, and
// CreateSnapshot/ListSnapshots/DeleteSnapshot are added for the backup
// coordinator via qdrant.SnapshotsClient. Snapshot restore is not offered.
package storage

import (
	"context"
	"fmt"

	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// VectorStore handles vector database operations for document and page
// embeddings, plus native snapshot creation, listing and deletion.
type VectorStore struct {
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	snapshots   qdrant.SnapshotsClient
	conn        *grpc.ClientConn
	collection  string
	dimension   int
}

// VectorPoint is a single stored vector with arbitrary scalar metadata.
type VectorPoint struct {
	ID       string
	Vector   []float32
	Metadata map[string]interface{}
	Score    float32
}

// NewVectorStore connects to Qdrant and ensures the configured collection
// exists with the given dimension and cosine distance.
func NewVectorStore(ctx context.Context, address, collection string, dimension int) (*VectorStore, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	vs := &VectorStore{
		points:      qdrant.NewPointsClient(conn),
		collections: qdrant.NewCollectionsClient(conn),
		snapshots:   qdrant.NewSnapshotsClient(conn),
		conn:        conn,
		collection:  collection,
		dimension:   dimension,
	}

	if err := vs.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}
	return vs, nil
}

func (vs *VectorStore) ensureCollection(ctx context.Context) error {
	listResp, err := vs.collections.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, col := range listResp.Collections {
		if col.Name == vs.collection {
			return nil
		}
	}

	_, err = vs.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: vs.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(vs.dimension),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Upsert stores or overwrites a vector point keyed by point.ID, which must be
// a UUID string or a base-10 uint64 (the only two formats Qdrant's PointId
// accepts) — the caller decides which, this layer is id-agnostic.
func (vs *VectorStore) Upsert(ctx context.Context, point *VectorPoint) error {
	if point == nil || point.ID == "" {
		return fmt.Errorf("point with a non-empty ID is required")
	}
	if len(point.Vector) != vs.dimension {
		return fmt.Errorf("invalid vector dimension: expected %d, got %d", vs.dimension, len(point.Vector))
	}

	payload := make(map[string]*qdrant.Value, len(point.Metadata))
	for k, v := range point.Metadata {
		payload[k] = toQdrantValue(v)
	}

	pointStruct := &qdrant.PointStruct{
		Id:      qdrant.NewID(point.ID),
		Vectors: qdrant.NewVectors(point.Vector...),
		Payload: payload,
	}

	_, err := vs.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: vs.collection,
		Points:         []*qdrant.PointStruct{pointStruct},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert vector %q: %w", point.ID, err)
	}
	return nil
}

// Search performs cosine similarity search, used by
// Coordinator.FindSimilarDocument for the pipeline's embedding-stage
// similarity check (spec.md's ChromaDB-style similarity check).
func (vs *VectorStore) Search(ctx context.Context, query []float32, limit int) ([]*VectorPoint, error) {
	if len(query) != vs.dimension {
		return nil, fmt.Errorf("invalid query vector dimension: expected %d, got %d", vs.dimension, len(query))
	}
	if limit <= 0 {
		limit = 10
	}

	results, err := vs.points.Search(ctx, &qdrant.SearchPoints{
		CollectionName: vs.collection,
		Vector:         query,
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayloadEnable(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	points := make([]*VectorPoint, 0, len(results.Result))
	for _, r := range results.Result {
		p := &VectorPoint{ID: idToString(r.Id), Metadata: fromQdrantPayload(r.Payload), Score: r.Score}
		points = append(points, p)
	}
	return points, nil
}

// Get retrieves a vector (with payload) by point ID.
func (vs *VectorStore) Get(ctx context.Context, pointID string) (*VectorPoint, error) {
	if pointID == "" {
		return nil, fmt.Errorf("point ID is required")
	}

	results, err := vs.points.Get(ctx, &qdrant.GetPoints{
		CollectionName: vs.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(pointID)},
		WithPayload:    qdrant.NewWithPayloadEnable(true),
		WithVectors:    qdrant.NewWithVectorsEnable(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get vector: %w", err)
	}
	if len(results.Result) == 0 {
		return nil, nil
	}

	r := results.Result[0]
	p := &VectorPoint{ID: pointID, Metadata: fromQdrantPayload(r.Payload)}
	if r.Vectors != nil {
		if v := r.Vectors.GetVector(); v != nil {
			p.Vector = v.Data
		}
	}
	return p, nil
}

// Delete removes a vector by point ID.
func (vs *VectorStore) Delete(ctx context.Context, pointID string) error {
	if pointID == "" {
		return fmt.Errorf("point ID is required")
	}
	_, err := vs.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: vs.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{qdrant.NewID(pointID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

// ScrollAll pages through every point in the collection, returning its ID
// and payload (not its vector, which the consistency checker never needs
// to recompute). Used by C8 to cross-reference vector-store entries
// against Paper rows.
func (vs *VectorStore) ScrollAll(ctx context.Context) ([]*VectorPoint, error) {
	var out []*VectorPoint
	var offset *qdrant.PointId

	for {
		resp, err := vs.points.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: vs.collection,
			Limit:          ptrUint32(256),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayloadEnable(true),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll points: %w", err)
		}
		for _, r := range resp.Result {
			out = append(out, &VectorPoint{ID: idToString(r.Id), Metadata: fromQdrantPayload(r.Payload)})
		}
		if resp.NextPageOffset == nil {
			return out, nil
		}
		offset = resp.NextPageOffset
	}
}

func ptrUint32(v uint32) *uint32 { return &v }

// CollectionInfo returns point/vector counts for the collection.
func (vs *VectorStore) CollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info, err := vs.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: vs.collection})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}
	return map[string]interface{}{
		"collection_name": vs.collection,
		"vectors_count":   info.Result.GetVectorsCount(),
		"points_count":    info.Result.GetPointsCount(),
		"indexed_vectors": info.Result.GetIndexedVectorsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// CreateSnapshot asks Qdrant to write a native collection snapshot, used by
// the backup coordinator's vector-store leg (C7).
func (vs *VectorStore) CreateSnapshot(ctx context.Context) (name string, creationTime int64, err error) {
	resp, err := vs.snapshots.Create(ctx, &qdrant.CreateSnapshotRequest{CollectionName: vs.collection})
	if err != nil {
		return "", 0, fmt.Errorf("failed to create snapshot: %w", err)
	}
	desc := resp.GetSnapshotDescription()
	if desc == nil {
		return "", 0, fmt.Errorf("snapshot creation returned no description")
	}
	return desc.GetName(), desc.GetCreationTime(), nil
}

// ListSnapshots returns the collection's existing snapshots, newest last.
func (vs *VectorStore) ListSnapshots(ctx context.Context) ([]*qdrant.SnapshotDescription, error) {
	resp, err := vs.snapshots.List(ctx, &qdrant.ListSnapshotsRequest{CollectionName: vs.collection})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return resp.GetSnapshotDescriptions(), nil
}

// DeleteSnapshot removes a named snapshot, used by the retention sweep.
func (vs *VectorStore) DeleteSnapshot(ctx context.Context, name string) error {
	_, err := vs.snapshots.Delete(ctx, &qdrant.DeleteSnapshotRequest{CollectionName: vs.collection, SnapshotName: name})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", name, err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (vs *VectorStore) Close() error {
	if vs.conn != nil {
		return vs.conn.Close()
	}
	return nil
}

func toQdrantValue(v interface{}) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			out[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			out[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			out[k] = val.BoolValue
		}
	}
	return out
}

func idToString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}
