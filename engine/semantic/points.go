package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"

	"github.com/constructiq/permit-search/engine/domain"
	"github.com/constructiq/permit-search/pkg/fn"
)

// Metadata size limits.
const (
	MaxTextBlockMetadata = 1000
	MaxMetadataBytes     = 40 * 1024
)

// ErrMetadataTooLarge means a record's payload exceeds MaxMetadataBytes even
// without its text block.
var ErrMetadataTooLarge = errors.New("semantic: metadata too large")

// PointID is the deterministic Qdrant id for a record, so re-indexing
// overwrites instead of duplicating.
func PointID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(recordID)).String()
}

// PrepareMetadata flattens m into a typed payload. The text block is cut to
// MaxTextBlockMetadata characters and dropped entirely when the payload would
// exceed MaxMetadataBytes.
func PrepareMetadata(m domain.Metadata) (map[string]any, error) {
	if m.TextBlock != nil && utf8.RuneCountInString(*m.TextBlock) > MaxTextBlockMetadata {
		cut := string([]rune(*m.TextBlock)[:MaxTextBlockMetadata])
		m.TextBlock = &cut
	}
	fields, err := m.Fields()
	if err != nil {
		return nil, fmt.Errorf("semantic: prepare metadata: %w", err)
	}
	if payloadSize(fields) <= MaxMetadataBytes {
		return fields, nil
	}
	delete(fields, "text_block")
	if n := payloadSize(fields); n > MaxMetadataBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMetadataTooLarge, n)
	}
	return fields, nil
}

func payloadSize(fields map[string]any) int {
	data, err := json.Marshal(fields)
	if err != nil {
		return MaxMetadataBytes + 1
	}
	return len(data)
}

func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case time.Time:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv.UTC().Format(time.RFC3339)}}
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func toPayload(fields map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(fields))
	for k, v := range fields {
		out[k] = toValue(v)
	}
	return out
}

func fromPayload(payload map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kv := v.GetKind().(type) {
		case *pb.Value_StringValue:
			out[k] = kv.StringValue
		case *pb.Value_IntegerValue:
			out[k] = kv.IntegerValue
		case *pb.Value_DoubleValue:
			out[k] = kv.DoubleValue
		case *pb.Value_BoolValue:
			out[k] = kv.BoolValue
		}
	}
	return out
}

func toPoint(r IndexedRecord) (*pb.PointStruct, error) {
	m := r.Metadata
	m.RecordID = r.RecordID
	fields, err := PrepareMetadata(m)
	if err != nil {
		return nil, err
	}
	return &pb.PointStruct{
		Id: &pb.PointId{
			PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.RecordID)},
		},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: r.Vector},
			},
		},
		Payload: toPayload(fields),
	}, nil
}

// Upsert writes records in batches of batchSize. Records without a vector
// or id are excluded up front. A failed batch is logged, counted as failed,
// and the remaining batches still run.
func (v *VectorStore) Upsert(ctx context.Context, name string, records []IndexedRecord, batchSize int) UpsertStats {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	valid := fn.Filter(records, func(r IndexedRecord) bool {
		return len(r.Vector) > 0 && r.RecordID != ""
	})
	stats := UpsertStats{Total: len(records), Valid: len(valid)}
	if len(valid) == 0 {
		v.logger.Warn("no records with embeddings to index", "index", name)
		return stats
	}

	batches := fn.Chunk(valid, batchSize)
	for i, batch := range batches {
		points := make([]*pb.PointStruct, 0, len(batch))
		for _, r := range batch {
			p, err := toPoint(r)
			if err != nil {
				v.logger.Error("prepare record failed", "record_id", r.RecordID, "err", err)
				stats.Failed++
				continue
			}
			points = append(points, p)
		}

		if len(points) > 0 {
			if err := v.upsertBatch(ctx, name, points); err != nil {
				v.logger.Error("upsert batch failed", "index", name, "batch", i+1, "err", err)
				stats.Failed += len(points)
			} else {
				stats.Indexed += len(points)
				v.logger.Info("indexed batch", "index", name, "batch", i+1, "batches", len(batches))
			}
		}

		if i < len(batches)-1 {
			v.sleep(ctx, v.pause)
		}
	}
	stats.SuccessRate = float64(stats.Indexed) / float64(stats.Valid)
	return stats
}

func (v *VectorStore) upsertBatch(ctx context.Context, name string, points []*pb.PointStruct) error {
	ctx, cancel := v.callCtx(ctx)
	defer cancel()
	wait := true
	if _, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: name,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteRecord removes a single permit by record id.
func (v *VectorStore) DeleteRecord(ctx context.Context, name, recordID string) error {
	ctx, cancel := v.callCtx(ctx)
	defer cancel()
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: name,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(recordID)}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete record %s: %w", recordID, err)
	}
	return nil
}

// Query returns the topK nearest permits matching filter, best first. Any
// provider failure is wrapped in ErrQueryFailed; no matches is an empty slice
// and a nil error.
func (v *VectorStore) Query(ctx context.Context, name string, vector []float32, topK int, filter domain.Filter) ([]domain.SearchResult, error) {
	if topK <= 0 {
		topK = domain.DefaultTopK
	}
	req := &pb.SearchPoints{
		CollectionName: name,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	f, err := BuildFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	req.Filter = f

	ctx, cancel := v.callCtx(ctx)
	defer cancel()
	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrQueryFailed, name, err)
	}

	results := make([]domain.SearchResult, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		meta := domain.MetadataFromFields(fromPayload(p.GetPayload()))
		results = append(results, domain.SearchResult{
			RecordID:        meta.RecordID,
			SimilarityScore: p.GetScore(),
			Metadata:        meta,
		})
	}
	return results, nil
}
