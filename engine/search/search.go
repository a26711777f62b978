// Package search is the fuzzy vehicle search collaborator. Catalogue vehicles
// are embedded as character-trigram vectors and stored in a Qdrant
// collection; a key that misses the exact index is matched by cosine
// similarity, with make weighted above model and model above variant.
package search

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"log/slog"
	"math"
	"time"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/pkg/fn"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/WessleyAI/tyrefit/pkg/resilience"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// BlockDims is the width of each field's block; vectors are 3*BlockDims wide.
const BlockDims = 128

// Dims is the vector size of the collection.
const Dims = 3 * BlockDims

// Field weights for make, model and variant.
var weights = [3]float64{3, 2, 1}

var pointNamespace = uuid.MustParse("6f1c2d4e-8a3b-4c5d-9e7f-0a1b2c3d4e5f")

// PointsClient is the part of the Qdrant points API used here.
type PointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// CollectionsClient is the part of the Qdrant collections API used here.
type CollectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Options configures a VehicleSearch.
type Options struct {
	// BatchSize is the number of points per upsert (default 256).
	BatchSize int
	// Limiter paces upserts. Nil allows 20 batches per second.
	Limiter *resilience.Limiter
	Retry   fn.RetryOpts
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.Limiter == nil {
		o.Limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: 20, Burst: 5})
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = fn.RetryOpts{MaxAttempts: 3, InitialWait: 200 * time.Millisecond, MaxWait: 2 * time.Second, Jitter: true}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// VehicleSearch owns every Qdrant operation on the vehicle collection.
type VehicleSearch struct {
	conn        *grpc.ClientConn
	points      PointsClient
	collections CollectionsClient
	collection  string
	opts        Options
}

// New dials Qdrant's gRPC endpoint at addr.
func New(addr, collection string, opts Options) (*VehicleSearch, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("search: dial qdrant %s: %w", addr, err)
	}
	s := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, opts)
	s.conn = conn
	return s, nil
}

// NewWithClients builds a VehicleSearch over existing clients.
func NewWithClients(points PointsClient, collections CollectionsClient, collection string, opts Options) *VehicleSearch {
	return &VehicleSearch{points: points, collections: collections, collection: collection, opts: opts.withDefaults()}
}

// Close closes the gRPC connection, if New opened one.
func (s *VehicleSearch) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (s *VehicleSearch) EnsureCollection(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("search: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: Dims, Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: create collection %s: %w", s.collection, err)
	}
	s.opts.Logger.Info("search collection created", "collection", s.collection, "dims", Dims)
	return nil
}

// DeleteCollection drops the collection.
func (s *VehicleSearch) DeleteCollection(ctx context.Context) error {
	if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: s.collection}); err != nil {
		return fmt.Errorf("search: delete collection %s: %w", s.collection, err)
	}
	return nil
}

// PointID is the stable point ID of key, so re-indexing overwrites.
func PointID(key domain.VehicleKey) string {
	return uuid.NewSHA1(pointNamespace, []byte(key.String())).String()
}

// Index upserts one point per distinct vehicle key and returns how many were
// written. Batches are paced by the limiter and retried on failure.
func (s *VehicleSearch) Index(ctx context.Context, specs iter.Seq[domain.VehicleSpec]) (int, error) {
	seen := make(map[domain.VehicleKey]struct{})
	var points []*pb.PointStruct
	for spec := range specs {
		key := spec.Key()
		if key.IsZero() {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		points = append(points, point(key, spec))
	}

	upsert := fn.TracedStage("search.upsert", resilience.LimiterStageWait(s.opts.Limiter,
		fn.RetryStage(s.opts.Retry, func(ctx context.Context, batch []*pb.PointStruct) fn.Result[int] {
			wait := true
			_, err := s.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: s.collection, Wait: &wait, Points: batch})
			if err != nil {
				err = fmt.Errorf("search: upsert %d points: %w", len(batch), err)
				if status.Code(errors.Unwrap(err)) == codes.InvalidArgument {
					// A rejected payload fails the same way on every attempt.
					err = fn.Permanent(err)
				}
				return fn.Err[int](err)
			}
			return fn.Ok(len(batch))
		})))

	written := 0
	for _, batch := range fn.Chunk(points, s.opts.BatchSize) {
		n, err := upsert(ctx, batch).Unwrap()
		if err != nil {
			return written, err
		}
		written += n
		s.counter("tyrefit_search_points_indexed_total", "Vehicle points written to the search collection").Add(int64(n))
	}
	s.opts.Logger.Info("search index updated", "collection", s.collection, "points", written)
	return written, nil
}

func point(key domain.VehicleKey, spec domain.VehicleSpec) *pb.PointStruct {
	return &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(key)}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: Vector(key)}}},
		Payload: map[string]*pb.Value{
			"make":         stringValue(key.Make),
			"model":        stringValue(key.Model),
			"variant":      stringValue(key.Variant),
			"vehicle_type": stringValue(domain.FoldText(spec.VehicleType)),
			"fuel_type":    stringValue(domain.FoldText(spec.FuelType)),
		},
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// Match returns up to limit catalogue keys nearest to key. It satisfies the
// resolver's Searcher.
func (s *VehicleSearch) Match(ctx context.Context, key domain.VehicleKey, limit int) ([]domain.SearchHit, error) {
	return s.query(ctx, Vector(key), limit)
}

// Search matches free text such as "swift vxi" against every field.
func (s *VehicleSearch) Search(ctx context.Context, text string, limit int) ([]domain.SearchHit, error) {
	t := domain.FoldText(text)
	if t == "" {
		return nil, nil
	}
	return s.query(ctx, Vector(domain.VehicleKey{Make: t, Model: t, Variant: t}), limit)
}

func (s *VehicleSearch) query(ctx context.Context, vec []float32, limit int) ([]domain.SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}
	start := time.Now()
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vec,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if s.opts.Metrics != nil {
		s.opts.Metrics.Histogram("tyrefit_search_query_duration_seconds", "Vehicle search latency", nil).Since(start)
	}
	if err != nil {
		return nil, fmt.Errorf("search: query %s: %w", s.collection, err)
	}

	hits := make([]domain.SearchHit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		p := r.GetPayload()
		key := domain.VehicleKey{
			Make:    p["make"].GetStringValue(),
			Model:   p["model"].GetStringValue(),
			Variant: p["variant"].GetStringValue(),
		}
		if key.IsZero() {
			continue
		}
		hits = append(hits, domain.SearchHit{Key: key, Score: float64(r.GetScore())})
	}
	return hits, nil
}

func (s *VehicleSearch) counter(name, help string) *metrics.Counter {
	if s.opts.Metrics == nil {
		return &metrics.Counter{}
	}
	return s.opts.Metrics.Counter(name, help)
}

// Vector embeds key as three trigram blocks, one per field. Each block is
// unit length scaled by the square root of its field's share of the weight,
// so the dot product of two vectors is the weighted mean of per-field cosine
// similarities. Empty fields leave their block zero.
func Vector(key domain.VehicleKey) []float32 {
	var total float64
	for _, w := range weights {
		total += w
	}
	out := make([]float32, Dims)
	for f, text := range [3]string{key.Make, key.Model, key.Variant} {
		block := out[f*BlockDims : (f+1)*BlockDims]
		trigrams(text, block)
		var norm float64
		for _, v := range block {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			continue
		}
		scale := math.Sqrt(weights[f]/total) / math.Sqrt(norm)
		for i := range block {
			block[i] = float32(float64(block[i]) * scale)
		}
	}
	return out
}

// trigrams adds the hashed character trigrams of " text " into block.
func trigrams(text string, block []float32) {
	if text == "" {
		return
	}
	r := []rune(" " + text + " ")
	h := fnv.New32a()
	for i := 0; i+3 <= len(r); i++ {
		h.Reset()
		_, _ = h.Write([]byte(string(r[i : i+3])))
		block[h.Sum32()%uint32(len(block))]++
	}
}
