package providers

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig points a QdrantStore at a collection.
type QdrantConfig struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	Collection     string
	VectorSize     uint64
	DistanceMetric qdrant.Distance
}

// QdrantStore is the VectorStore backing the post embedding index (C7),
// grounded on the teacher's memory.QdrantStore but built on the real
// qdrant/go-client gRPC SDK instead of a hand-rolled net/http REST client.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	vectorSize uint64
	distance   qdrant.Distance
}

// NewQdrantStore dials the Qdrant gRPC endpoint described by cfg.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial: %w", err)
	}
	distance := cfg.DistanceMetric
	if distance == qdrant.Distance_UnknownDistance {
		distance = qdrant.Distance_Cosine
	}
	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		vectorSize: cfg.VectorSize,
		distance:   distance,
	}, nil
}

// EnsureCollection creates the post-embedding collection if it doesn't
// already exist. Safe to call on every startup.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant: collection exists check: %w", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.vectorSize,
			Distance: s.distance,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection %s: %w", s.collection, err)
	}
	return nil
}

// Upsert writes one post's embedding and metadata payload, keyed by the
// post's UUID so re-indexing after an enrichment update overwrites cleanly.
func (s *QdrantStore) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(id),
				Vectors: qdrant.NewVectors(vector...),
				Payload: payloadToValues(payload),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %s: %w", id, err)
	}
	return nil
}

// Search returns the limit nearest posts to vector, used for trend
// clustering's similarity pass and for surfacing related posts in a digest.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, limit int) ([]VectorResult, error) {
	lim := uint64(limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}
	out := make([]VectorResult, 0, len(points))
	for _, p := range points {
		out = append(out, VectorResult{
			ID:      pointIDString(p.GetId()),
			Score:   p.GetScore(),
			Payload: valuesToPayload(p.GetPayload()),
		})
	}
	return out, nil
}

// payloadToValues converts a plain payload map into Qdrant's wire Value
// type. Only the scalar kinds a post's payload actually uses are handled;
// anything else is stored as its string form rather than dropped silently.
func payloadToValues(payload map[string]any) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			out[k] = qdrant.NewValueString(val)
		case bool:
			out[k] = qdrant.NewValueBool(val)
		case int:
			out[k] = qdrant.NewValueInt(int64(val))
		case int64:
			out[k] = qdrant.NewValueInt(val)
		case float64:
			out[k] = qdrant.NewValueDouble(val)
		case []string:
			items := make([]*qdrant.Value, len(val))
			for i, s := range val {
				items[i] = qdrant.NewValueString(s)
			}
			out[k] = qdrant.NewValueList(items)
		default:
			out[k] = qdrant.NewValueString(fmt.Sprintf("%v", val))
		}
	}
	return out
}

// valuesToPayload converts Qdrant's wire Value type back into a plain map
// for callers that just want to read a matched post's metadata.
func valuesToPayload(values map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		switch {
		case v.GetStringValue() != "":
			out[k] = v.GetStringValue()
		case v.GetIntegerValue() != 0:
			out[k] = v.GetIntegerValue()
		case v.GetDoubleValue() != 0:
			out[k] = v.GetDoubleValue()
		case v.GetListValue() != nil:
			items := v.GetListValue().GetValues()
			strs := make([]string, 0, len(items))
			for _, item := range items {
				strs = append(strs, item.GetStringValue())
			}
			out[k] = strs
		default:
			out[k] = v.GetBoolValue()
		}
	}
	return out
}

func pointIDString(id *qdrant.PointId) string {
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%d", id.GetNum())
}
