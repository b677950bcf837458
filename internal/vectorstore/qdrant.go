package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"doc-rag/internal/embeddings"
)

// QdrantConfig configures the gRPC connection to Qdrant.
type QdrantConfig struct {
	Addr       string // host:port of the gRPC endpoint
	APIKey     string
	Collection string
	Dimension  int
}

// Qdrant stores chunk vectors in a Qdrant collection with cosine distance.
// Point ids are name-based UUIDs derived from (document_id, chunk_index).
type Qdrant struct {
	client     *qdrant.Client
	collection string
}

// NewQdrant connects and creates the collection if missing.
func NewQdrant(ctx context.Context, cfg QdrantConfig) (*Qdrant, error) {
	host, port, err := splitHostPort(cfg.Addr)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}
	s := &Qdrant{client: client, collection: cfg.Collection}
	if err := s.ensureCollection(ctx, cfg.Dimension); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Qdrant) ensureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant collection check: %w", err)
	}
	if exists {
		return nil
	}
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	// Keyword index so document_id filters stay cheap.
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "document_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("qdrant create index: %w", err)
	}
	return nil
}

// pointUUID maps the composite key onto the UUID ids Qdrant accepts.
func pointUUID(documentID uuid.UUID, chunkIndex int) uuid.UUID {
	return uuid.NewSHA1(documentID, []byte(strconv.Itoa(chunkIndex)))
}

func (s *Qdrant) Upsert(ctx context.Context, documentID uuid.UUID, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(documentID, r.ChunkIndex).String()),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"document_id": documentID.String(),
				"chunk_index": int64(r.ChunkIndex),
				"chunk_text":  r.Metadata.Preview,
				"filename":    r.Metadata.Filename,
				"media_type":  r.Metadata.MediaType,
			}),
		}
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant upsert: %w", err)
	}
	return len(points), nil
}

func (s *Qdrant) Query(ctx context.Context, vector embeddings.Vector, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 || len(filter.DocumentIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(filter.DocumentIDs))
	for i, id := range filter.DocumentIDs {
		ids[i] = id.String()
	}
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchKeywords("document_id", ids...)},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		md := Metadata{}
		if v, ok := p.Payload["document_id"]; ok {
			md.DocumentID, _ = uuid.Parse(v.GetStringValue())
		}
		if v, ok := p.Payload["chunk_index"]; ok {
			md.ChunkIndex = int(v.GetIntegerValue())
		}
		if v, ok := p.Payload["chunk_text"]; ok {
			md.Preview = v.GetStringValue()
		}
		if v, ok := p.Payload["filename"]; ok {
			md.Filename = v.GetStringValue()
		}
		if v, ok := p.Payload["media_type"]; ok {
			md.MediaType = v.GetStringValue()
		}
		matches = append(matches, Match{
			ID:       PointID(md.DocumentID, md.ChunkIndex),
			Score:    p.Score,
			Metadata: md,
		})
	}
	return matches, nil
}

func (s *Qdrant) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("document_id", documentID.String())},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

func (s *Qdrant) Close() error {
	return s.client.Close()
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid qdrant address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid qdrant port %q: %w", portStr, err)
	}
	return host, port, nil
}
