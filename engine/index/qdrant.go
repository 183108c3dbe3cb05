package index

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/charsearch/charsearch/engine/domain"
)

// Reserved payload keys. Entry metadata is stored beside them.
const (
	payloadID       = "_id"
	payloadDocument = "_document"
	payloadSeq      = "_seq"
)

// PointsAPI is the subset of the Qdrant points service the index uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsAPI is the subset of the Qdrant collections service the index uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Qdrant is an Index backed by a Qdrant collection with cosine distance.
// Point ids are UUIDv5 of the entry id; the entry id, document and insertion
// sequence travel in the payload.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	dims        int
	logger      *zap.Logger

	writeMu sync.Mutex
	nextSeq atomic.Uint64
	closed  atomic.Bool
}

// OpenQdrant dials Qdrant over gRPC and ensures the collection exists with
// the given dimensionality.
func OpenQdrant(ctx context.Context, addr, collection string, dims int, logger *zap.Logger) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("index: dial qdrant %s: %w: %w", addr, domain.ErrIndexUnavailable, err)
	}
	q := NewQdrantWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dims, logger)
	q.conn = conn
	if err := q.EnsureCollection(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// NewQdrantWithClients builds the index over existing service clients.
func NewQdrantWithClients(points PointsAPI, collections CollectionsAPI, collection string, dims int, logger *zap.Logger) *Qdrant {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Qdrant{points: points, collections: collections, collection: collection, dims: dims, logger: logger}
	q.nextSeq.Store(uint64(time.Now().UnixNano()))
	return q
}

// EnsureCollection creates the collection if it doesn't exist and checks the
// vector size if it does.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("index: list collections: %w: %w", domain.ErrIndexUnavailable, err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() != q.collection {
			continue
		}
		info, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection})
		if err != nil {
			return fmt.Errorf("index: get collection %s: %w: %w", q.collection, domain.ErrIndexUnavailable, err)
		}
		size := int(info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		if size != 0 && size != q.dims {
			return fmt.Errorf("index: collection %s: %w", q.collection, &domain.DimensionError{Want: size, Got: q.dims})
		}
		return nil
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: create collection %s: %w: %w", q.collection, domain.ErrIndexUnavailable, err)
	}
	q.logger.Info("qdrant collection created", zap.String("collection", q.collection), zap.Int("dims", q.dims))
	return nil
}

// Dims returns the collection dimensionality.
func (q *Qdrant) Dims() int { return q.dims }

// PointID maps an entry id onto its deterministic Qdrant point UUID.
func PointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("charsearch:"+id)).String()
}

// Upsert keeps the stored sequence of ids that already exist so tie order
// survives overwrites, then writes the batch in a single waited request.
func (q *Qdrant) Upsert(ctx context.Context, entries []domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := domain.ValidateEntry(e, q.dims); err != nil {
			return fmt.Errorf("index: upsert: %w", err)
		}
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if q.closed.Load() {
		return fmt.Errorf("index: upsert: %w: closed", domain.ErrIndexUnavailable)
	}

	// Last entry per id wins within the batch.
	latest := make(map[string]domain.Entry, len(entries))
	var order []string
	for _, e := range entries {
		if _, ok := latest[e.ID]; !ok {
			order = append(order, e.ID)
		}
		latest[e.ID] = e
	}

	seqs, err := q.existingSeqs(ctx, order)
	if err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(order))
	for i, id := range order {
		e := latest[id]
		seq, ok := seqs[id]
		if !ok {
			seq = q.nextSeq.Add(1)
		}
		payload := make(map[string]*pb.Value, len(e.Metadata)+3)
		for k, v := range e.Metadata {
			payload[k] = toValue(v)
		}
		payload[payloadID] = toValue(e.ID)
		payload[payloadDocument] = toValue(e.Document)
		payload[payloadSeq] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(seq)}}

		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Vector}},
			},
			Payload: payload,
		}
	}

	wait := true
	if _, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("index: upsert %d points: %w: %w", len(points), domain.ErrIndexUnavailable, domain.Cancelled(err))
	}
	return nil
}

func (q *Qdrant) existingSeqs(ctx context.Context, ids []string) (map[string]uint64, error) {
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(id)}}
	}
	resp, err := q.points.Get(ctx, &pb.GetPoints{
		CollectionName: q.collection,
		Ids:            pids,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("index: get points: %w: %w", domain.ErrIndexUnavailable, domain.Cancelled(err))
	}
	out := make(map[string]uint64, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload := p.GetPayload()
		out[payload[payloadID].GetStringValue()] = uint64(payload[payloadSeq].GetIntegerValue())
	}
	return out, nil
}

// tieSlack is the number of extra points fetched beyond k so that equal
// distances at the cut are broken by insertion order rather than by Qdrant.
// Ties longer than tieSlack past position k are still resolved by Qdrant.
const tieSlack = 16

// Query searches the collection. Distance is 1 - cosine similarity score.
func (q *Qdrant) Query(ctx context.Context, vec domain.Vector, k int) ([]domain.Neighbor, error) {
	if q.closed.Load() {
		return nil, fmt.Errorf("index: query: %w: closed", domain.ErrIndexUnavailable)
	}
	if err := domain.CheckDims(vec, q.dims); err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	if k <= 0 {
		return []domain.Neighbor{}, nil
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(k + tieSlack),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("index: search: %w: %w", domain.ErrIndexUnavailable, domain.Cancelled(err))
	}

	cs := make([]candidate, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		c := candidate{Neighbor: domain.Neighbor{
			Distance: 1 - float64(r.GetScore()),
			Metadata: domain.Metadata{},
		}}
		for k, v := range r.GetPayload() {
			switch k {
			case payloadID:
				c.ID = v.GetStringValue()
			case payloadDocument:
				c.Document = v.GetStringValue()
			case payloadSeq:
				c.seq = uint64(v.GetIntegerValue())
			default:
				c.Metadata[k] = fromValue(v)
			}
		}
		cs = append(cs, c)
	}
	return topNeighbors(cs, k), nil
}

// Count returns the exact number of points in the collection.
func (q *Qdrant) Count(ctx context.Context) (int, error) {
	if q.closed.Load() {
		return 0, fmt.Errorf("index: count: %w: closed", domain.ErrIndexUnavailable)
	}
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("index: count: %w: %w", domain.ErrIndexUnavailable, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Close closes the underlying gRPC connection, if any.
func (q *Qdrant) Close() error {
	if q.closed.Swap(true) || q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(tv)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromValue(v *pb.Value) any {
	switch kind := v.GetKind().(type) {
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	default:
		return v.GetStringValue()
	}
}
