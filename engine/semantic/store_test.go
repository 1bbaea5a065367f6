package semantic

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/constructiq/permit-search/engine/domain"
)

// --- Mocks ---

type mockPoints struct {
	upserts     []*pb.UpsertPoints
	upsertErrs  []error // consumed per call
	deleteReq   *pb.DeletePoints
	deleteErr   error
	searchReq   *pb.SearchPoints
	searchResp  *pb.SearchResponse
	searchErr   error
	fieldIdx    []string
	fieldIdxErr error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upserts = append(m.upserts, in)
	if len(m.upsertErrs) > 0 {
		err := m.upsertErrs[0]
		m.upsertErrs = m.upsertErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &pb.PointsOperationResponse{}, nil
}

func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.deleteReq = in
	return &pb.PointsOperationResponse{}, m.deleteErr
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReq = in
	return m.searchResp, m.searchErr
}

func (m *mockPoints) CreateFieldIndex(_ context.Context, in *pb.CreateFieldIndexCollection, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.fieldIdx = append(m.fieldIdx, in.GetFieldName())
	return &pb.PointsOperationResponse{}, m.fieldIdxErr
}

type mockCollections struct {
	names     []string
	size      uint64
	points    uint64
	listErr   error
	getErr    error
	createReq *pb.CreateCollection
	createErr error
	deleted   string
	deleteErr error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	resp := &pb.ListCollectionsResponse{}
	for _, n := range m.names {
		resp.Collections = append(resp.Collections, &pb.CollectionDescription{Name: n})
	}
	return resp, nil
}

func (m *mockCollections) Get(_ context.Context, _ *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	count := m.points
	return &pb.GetCollectionInfoResponse{Result: &pb.CollectionInfo{
		Status:      pb.CollectionStatus_Green,
		PointsCount: &count,
		Config: &pb.CollectionConfig{Params: &pb.CollectionParams{
			VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: m.size, Distance: pb.Distance_Cosine},
			}},
		}},
	}}, nil
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.createReq = in
	return &pb.CollectionOperationResponse{Result: true}, m.createErr
}

func (m *mockCollections) Delete(_ context.Context, in *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.deleted = in.GetCollectionName()
	return &pb.CollectionOperationResponse{Result: true}, m.deleteErr
}

func newTestStore(pts *mockPoints, cols *mockCollections) *VectorStore {
	vs := NewWithClients(pts, cols)
	vs.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	vs.sleep = func(context.Context, time.Duration) {}
	return vs
}

func sp(s string) *string { return &s }

func record(id string, vec []float32) IndexedRecord {
	return IndexedRecord{
		RecordID: id,
		Vector:   vec,
		Metadata: domain.Metadata{PermitNumber: sp(id), Status: sp("Active")},
	}
}

// --- Tests ---

func TestNewAndClose(t *testing.T) {
	vs, err := New(Options{Addr: "localhost:0", APIKey: "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := NewWithClients(nil, nil).Close(); err != nil {
		t.Fatalf("Close without conn: %v", err)
	}
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      string
		addr    string
		wantTLS bool
	}{
		{"localhost:6334", "localhost:6334", false},
		{"http://qdrant:6334", "qdrant:6334", false},
		{"https://xyz.cloud.qdrant.io:6334", "xyz.cloud.qdrant.io:6334", true},
	}
	for _, tt := range tests {
		addr, tls := parseAddr(tt.in)
		if addr != tt.addr || tls != tt.wantTLS {
			t.Errorf("parseAddr(%q) = %q, %v", tt.in, addr, tls)
		}
	}
}

func TestEnsureIndex_Creates(t *testing.T) {
	pts, cols := &mockPoints{}, &mockCollections{names: []string{"other"}}
	vs := newTestStore(pts, cols)
	if err := vs.EnsureIndex(context.Background(), "permits", 1536); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.createReq == nil || cols.createReq.GetCollectionName() != "permits" {
		t.Fatal("expected collection to be created")
	}
	params := cols.createReq.GetVectorsConfig().GetParams()
	if params.GetSize() != 1536 || params.GetDistance() != pb.Distance_Cosine {
		t.Errorf("unexpected vector params %v", params)
	}
	if len(pts.fieldIdx) != len(payloadIndexes()) {
		t.Errorf("expected %d payload indexes, got %d", len(payloadIndexes()), len(pts.fieldIdx))
	}
	for _, name := range pts.fieldIdx {
		if name == "text_block" {
			t.Error("text_block must not be indexed")
		}
	}
}

func TestEnsureIndex_Existing(t *testing.T) {
	tests := []struct {
		name    string
		size    uint64
		wantErr error
	}{
		{"same dimension", 1536, nil},
		{"other dimension", 768, ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cols := &mockCollections{names: []string{"permits"}, size: tt.size}
			err := newTestStore(&mockPoints{}, cols).EnsureIndex(context.Background(), "permits", 1536)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if cols.createReq != nil {
				t.Error("existing collection must not be recreated")
			}
		})
	}
}

func TestEnsureIndex_Errors(t *testing.T) {
	if err := newTestStore(&mockPoints{}, &mockCollections{listErr: errors.New("rpc fail")}).
		EnsureIndex(context.Background(), "p", 4); err == nil {
		t.Fatal("expected list error")
	}
	if err := newTestStore(&mockPoints{}, &mockCollections{createErr: errors.New("create fail")}).
		EnsureIndex(context.Background(), "p", 4); err == nil {
		t.Fatal("expected create error")
	}
	// Payload index failures are logged, not returned.
	if err := newTestStore(&mockPoints{fieldIdxErr: errors.New("idx")}, &mockCollections{}).
		EnsureIndex(context.Background(), "p", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteIndex(t *testing.T) {
	cols := &mockCollections{}
	if err := newTestStore(&mockPoints{}, cols).DeleteIndex(context.Background(), "permits"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.deleted != "permits" {
		t.Errorf("deleted %q", cols.deleted)
	}
	cols.deleteErr = errors.New("fail")
	if err := newTestStore(&mockPoints{}, cols).DeleteIndex(context.Background(), "permits"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDescribeIndex(t *testing.T) {
	cols := &mockCollections{names: []string{"permits"}, size: 1536, points: 42}
	stats, err := newTestStore(&mockPoints{}, cols).DescribeIndex(context.Background(), "permits")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.VectorCount != 42 || stats.Dimension != 1536 || stats.Name != "permits" {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Namespaces[""] != 42 || stats.Status != "green" {
		t.Errorf("unexpected namespaces/status %+v", stats)
	}

	if _, err := newTestStore(&mockPoints{}, &mockCollections{}).DescribeIndex(context.Background(), "permits"); !errors.Is(err, ErrIndexNotFound) {
		t.Fatalf("expected ErrIndexNotFound, got %v", err)
	}
}

func TestUpsert_Batches(t *testing.T) {
	pts := &mockPoints{upsertErrs: []error{nil, errors.New("batch down"), nil}}
	vs := newTestStore(pts, &mockCollections{})
	var pauses int
	vs.sleep = func(context.Context, time.Duration) { pauses++ }

	records := []IndexedRecord{
		record("a", []float32{1, 0}),
		record("b", nil), // no embedding
		record("c", []float32{0, 1}),
		record("d", []float32{1, 1}),
		record("e", []float32{0.5, 0.5}),
		record("", []float32{1, 0}), // no id
	}
	stats := vs.Upsert(context.Background(), "permits", records, 2)

	want := UpsertStats{Total: 6, Valid: 4, Indexed: 2, Failed: 2, SuccessRate: 0.5}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	if len(pts.upserts) != 2 {
		t.Fatalf("expected 2 upsert calls, got %d", len(pts.upserts))
	}
	if pauses != 1 {
		t.Errorf("expected 1 pause between 2 batches, got %d", pauses)
	}

	p := pts.upserts[0].GetPoints()[0]
	if p.GetId().GetUuid() != PointID("a") {
		t.Errorf("point id = %s", p.GetId().GetUuid())
	}
	if p.GetPayload()["record_id"].GetStringValue() != "a" {
		t.Error("record_id must be stored in the payload")
	}
	if !pts.upserts[0].GetWait() {
		t.Error("upsert should wait for the write")
	}
}

func TestUpsert_NothingValid(t *testing.T) {
	pts := &mockPoints{}
	stats := newTestStore(pts, &mockCollections{}).Upsert(context.Background(), "p", []IndexedRecord{record("a", nil)}, 10)
	if stats.Total != 1 || stats.Valid != 0 || stats.SuccessRate != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(pts.upserts) != 0 {
		t.Error("no upsert expected")
	}
}

func TestUpsert_OversizedRecordFails(t *testing.T) {
	r := record("big", []float32{1})
	r.Metadata.ProjectDescription = sp(strings.Repeat("x", MaxMetadataBytes+10))
	stats := newTestStore(&mockPoints{}, &mockCollections{}).Upsert(context.Background(), "p", []IndexedRecord{r, record("ok", []float32{1})}, 10)
	if stats.Failed != 1 || stats.Indexed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPointIDDeterministic(t *testing.T) {
	if PointID("2024-001_P77") != PointID("2024-001_P77") {
		t.Fatal("point id must be stable")
	}
	if PointID("a") == PointID("b") {
		t.Fatal("distinct records must not collide")
	}
}

func TestPrepareMetadata(t *testing.T) {
	year := int64(2024)
	m := domain.Metadata{
		RecordID:           "r1",
		PermitNumber:       sp("2024-001"),
		CalendarYearIssued: &year,
		TextBlock:          sp(strings.Repeat("é", 1500)),
	}
	fields, err := PrepareMetadata(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := []rune(fields["text_block"].(string)); len(got) != MaxTextBlockMetadata {
		t.Errorf("text_block length %d", len(got))
	}
	if fields["calendar_year_issued"] != int64(2024) {
		t.Errorf("integer field kind = %T", fields["calendar_year_issued"])
	}
	if _, ok := fields["status"]; ok {
		t.Error("null fields must be stripped")
	}

	// A description that only fits once the text block is gone.
	m.ProjectDescription = sp(strings.Repeat("d", MaxMetadataBytes-500))
	fields, err = PrepareMetadata(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := fields["text_block"]; ok {
		t.Error("text_block should be dropped from oversized metadata")
	}

	m.ProjectDescription = sp(strings.Repeat("d", MaxMetadataBytes))
	if _, err := PrepareMetadata(m); !errors.Is(err, ErrMetadataTooLarge) {
		t.Fatalf("expected ErrMetadataTooLarge, got %v", err)
	}
}

func TestQuery_MapsResults(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
		{
			Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID("r1")}},
			Score: 0.91,
			Payload: map[string]*pb.Value{
				"record_id":            {Kind: &pb.Value_StringValue{StringValue: "r1"}},
				"permit_type":          {Kind: &pb.Value_StringValue{StringValue: "EP"}},
				"calendar_year_issued": {Kind: &pb.Value_IntegerValue{IntegerValue: 2024}},
				"total_job_valuation":  {Kind: &pb.Value_DoubleValue{DoubleValue: 50000}},
				"condominium":          {Kind: &pb.Value_BoolValue{BoolValue: true}},
				"issue_date":           {Kind: &pb.Value_StringValue{StringValue: "2024-01-10T00:00:00Z"}},
			},
		},
		{Score: 0.5, Payload: map[string]*pb.Value{}},
	}}}
	vs := newTestStore(pts, &mockCollections{})

	filter, err := domain.ParseFilter(map[string]any{"permit_type": "EP"})
	if err != nil {
		t.Fatal(err)
	}
	results, err := vs.Query(context.Background(), "permits", []float32{1, 0}, 3, filter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	r := results[0]
	if r.RecordID != "r1" || r.SimilarityScore != 0.91 {
		t.Errorf("unexpected result %+v", r)
	}
	if *r.Metadata.CalendarYearIssued != 2024 || *r.Metadata.TotalJobValuation != 50000 || !*r.Metadata.Condominium {
		t.Errorf("unexpected metadata %+v", r.Metadata)
	}
	if !r.Metadata.IssueDate.Equal(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("issue date = %v", r.Metadata.IssueDate)
	}
	if results[1].RecordID != "" {
		t.Errorf("missing record_id should map to empty, got %q", results[1].RecordID)
	}

	if pts.searchReq.GetLimit() != 3 || pts.searchReq.GetCollectionName() != "permits" {
		t.Errorf("unexpected request %v", pts.searchReq)
	}
	if len(pts.searchReq.GetFilter().GetMust()) != 1 {
		t.Error("expected filter to be sent")
	}
}

func TestQuery_Empty(t *testing.T) {
	vs := newTestStore(&mockPoints{searchResp: &pb.SearchResponse{}}, &mockCollections{})
	results, err := vs.Query(context.Background(), "permits", []float32{1}, 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", results)
	}
}

func TestQuery_Failure(t *testing.T) {
	vs := newTestStore(&mockPoints{searchErr: errors.New("unavailable")}, &mockCollections{})
	_, err := vs.Query(context.Background(), "permits", []float32{1}, 5, nil)
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	pts := &mockPoints{}
	if err := newTestStore(pts, &mockCollections{}).DeleteRecord(context.Background(), "p", "r1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := pts.deleteReq.GetPoints().GetPoints().GetIds()
	if len(ids) != 1 || ids[0].GetUuid() != PointID("r1") {
		t.Errorf("unexpected ids %v", ids)
	}
	pts.deleteErr = errors.New("fail")
	if err := newTestStore(pts, &mockCollections{}).DeleteRecord(context.Background(), "p", "r1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestToValue(t *testing.T) {
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   any
		want any
	}{
		{"x", "x"},
		{42, int64(42)},
		{int64(7), int64(7)},
		{3.5, 3.5},
		{true, true},
		{ts, "2024-01-10T12:00:00Z"},
		{[]int{1}, "[1]"},
	}
	for _, tt := range tests {
		got := fromPayload(map[string]*pb.Value{"k": toValue(tt.in)})["k"]
		if got != tt.want {
			t.Errorf("toValue(%v) round-trips to %v (%T), want %v", tt.in, got, got, tt.want)
		}
	}
}
