// Package semantic owns every Qdrant operation: collection lifecycle, batched
// permit upserts, and filtered similarity queries.
package semantic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Defaults for store operations.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultBatchSize  = 100
	DefaultBatchPause = 100 * time.Millisecond
)

var (
	// ErrDimensionMismatch means an existing collection has another vector size.
	ErrDimensionMismatch = errors.New("semantic: index dimension mismatch")
	// ErrQueryFailed wraps any provider failure during a similarity query.
	ErrQueryFailed = errors.New("semantic: query failed")
	// ErrIndexNotFound is returned by DescribeIndex for a missing collection.
	ErrIndexNotFound = errors.New("semantic: index not found")
)

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Options configures the Qdrant connection.
type Options struct {
	// Addr is host:port of the gRPC endpoint. An https:// prefix enables TLS.
	Addr    string
	APIKey  string
	TLS     bool
	Timeout time.Duration
	Logger  *slog.Logger
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	timeout     time.Duration
	pause       time.Duration
	logger      *slog.Logger
	sleep       func(context.Context, time.Duration)
}

// New creates a VectorStore connected to Qdrant.
func New(opts Options) (*VectorStore, error) {
	addr, useTLS := parseAddr(opts.Addr)
	useTLS = useTLS || opts.TLS

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if useTLS {
		dialOpts[0] = grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if opts.APIKey != "" {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(apiKeyInterceptor(opts.APIKey)))
	}

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn))
	vs.conn = conn
	if opts.Timeout > 0 {
		vs.timeout = opts.Timeout
	}
	if opts.Logger != nil {
		vs.logger = opts.Logger
	}
	return vs, nil
}

// NewWithClients builds a store over existing clients. Close is a no-op.
func NewWithClients(points pointsAPI, collections collectionsAPI) *VectorStore {
	return &VectorStore{
		points:      points,
		collections: collections,
		timeout:     DefaultTimeout,
		pause:       DefaultBatchPause,
		logger:      slog.Default(),
		sleep:       pauseCtx,
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

func parseAddr(raw string) (string, bool) {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimPrefix(raw, "https://"), true
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimPrefix(raw, "http://"), false
	}
	return raw, false
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(metadata.AppendToOutgoingContext(ctx, "api-key", key), method, req, reply, cc, opts...)
	}
}

func pauseCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (v *VectorStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, v.timeout)
}

func (v *VectorStore) exists(ctx context.Context, name string) (bool, error) {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return true, nil
		}
	}
	return false, nil
}

// EnsureIndex creates the collection with cosine distance and payload
// indexes for every filterable field. A nil error means the collection
// exists with the requested dimension.
func (v *VectorStore) EnsureIndex(ctx context.Context, name string, dim int) error {
	ctx, cancel := v.callCtx(ctx)
	defer cancel()

	ok, err := v.exists(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		stats, err := v.describe(ctx, name)
		if err != nil {
			return err
		}
		if stats.Dimension != 0 && stats.Dimension != uint64(dim) {
			return fmt.Errorf("%w: %s has %d, want %d", ErrDimensionMismatch, name, stats.Dimension, dim)
		}
		return nil
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", name, err)
	}
	v.logger.Info("created index", "index", name, "dimension", dim)

	for _, f := range payloadIndexes() {
		ft := f.fieldType
		wait := true
		if _, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      f.name,
			FieldType:      &ft,
			Wait:           &wait,
		}); err != nil {
			// The collection is usable without the index; filters just scan.
			v.logger.Warn("create payload index failed", "index", name, "field", f.name, "err", err)
		}
	}
	return nil
}

// DeleteIndex drops the collection.
func (v *VectorStore) DeleteIndex(ctx context.Context, name string) error {
	ctx, cancel := v.callCtx(ctx)
	defer cancel()
	if _, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", name, err)
	}
	return nil
}

// DescribeIndex returns collection statistics.
func (v *VectorStore) DescribeIndex(ctx context.Context, name string) (IndexStats, error) {
	ctx, cancel := v.callCtx(ctx)
	defer cancel()
	ok, err := v.exists(ctx, name)
	if err != nil {
		return IndexStats{}, err
	}
	if !ok {
		return IndexStats{}, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return v.describe(ctx, name)
}

func (v *VectorStore) describe(ctx context.Context, name string) (IndexStats, error) {
	resp, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		return IndexStats{}, fmt.Errorf("semantic: get collection %s: %w", name, err)
	}
	info := resp.GetResult()
	count := info.GetPointsCount()
	return IndexStats{
		Name:        name,
		VectorCount: count,
		Dimension:   info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize(),
		Namespaces:  map[string]int64{"": int64(count)},
		Status:      strings.ToLower(info.GetStatus().String()),
	}, nil
}
