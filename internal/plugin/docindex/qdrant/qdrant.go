package qdrant

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/config"
	registrydocindex "github.com/chirino/context-engine/internal/registry/docindex"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

func init() {
	registrydocindex.Register(registrydocindex.Plugin{
		Name:   "qdrant",
		Loader: load,
	})
}

func load(ctx context.Context) (registrydocindex.DocumentIndex, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("qdrant: missing config in context")
	}
	conn, err := grpc.NewClient(cfg.QdrantAddress(), dialOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	s := &QdrantIndex{
		points:         pb.NewPointsClient(conn),
		collections:    pb.NewCollectionsClient(conn),
		conn:           conn,
		collectionName: cfg.QdrantCollectionName,
		dimension:      effectiveEmbeddingDimension(cfg),
	}
	if err := s.ensureCollection(ctx); err != nil {
		// The server may simply not be up yet; searches degrade to the
		// local scan until it is.
		log.Warn("Qdrant: collection setup failed", "collection", s.collectionName, "err", err)
	}
	return s, nil
}

type QdrantIndex struct {
	points         pb.PointsClient
	collections    pb.CollectionsClient
	conn           *grpc.ClientConn
	collectionName string
	dimension      uint64
}

func (s *QdrantIndex) IsEnabled() bool { return true }
func (s *QdrantIndex) Name() string    { return "qdrant" }

func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	_, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collectionName})
	if err == nil {
		return nil
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     s.dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 newUint64(16),
			EfConstruct:       newUint64(64),
			FullScanThreshold: newUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	log.Info("Created Qdrant collection", "name", s.collectionName)
	return nil
}

func (s *QdrantIndex) Search(ctx context.Context, embedding []float32, limit int) ([]registrydocindex.SearchResult, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collectionName,
		Vector:         embedding,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, err
	}

	var results []registrydocindex.SearchResult
	for _, pt := range resp.GetResult() {
		r := registrydocindex.SearchResult{Score: float64(pt.GetScore())}
		if v, ok := pt.GetPayload()["document_id"]; ok {
			r.DocumentID = v.GetStringValue()
		}
		if r.DocumentID == "" {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

func (s *QdrantIndex) Upsert(ctx context.Context, docs []registrydocindex.UpsertRequest) error {
	points := make([]*pb.PointStruct, len(docs))
	for i, d := range docs {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: d.DocumentID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: d.Embedding},
				},
			},
			Payload: map[string]*pb.Value{
				"document_id": {Kind: &pb.Value_StringValue{StringValue: d.DocumentID}},
				"source":      {Kind: &pb.Value_StringValue{StringValue: d.Source}},
				"model":       {Kind: &pb.Value_StringValue{StringValue: d.ModelName}},
			},
		}
	}
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collectionName,
		Points:         points,
	})
	return err
}

func newUint64(v uint64) *uint64 {
	return &v
}

func dialOptions(cfg *config.Config) []grpc.DialOption {
	opts := make([]grpc.DialOption, 0, 2)
	if cfg.QdrantUseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if strings.TrimSpace(cfg.QdrantAPIKey) != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKeyCredentials{
			apiKey:     cfg.QdrantAPIKey,
			requireTLS: cfg.QdrantUseTLS,
		}))
	}
	return opts
}

type apiKeyCredentials struct {
	apiKey     string
	requireTLS bool
}

func (a apiKeyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": a.apiKey}, nil
}

func (a apiKeyCredentials) RequireTransportSecurity() bool {
	return a.requireTLS
}

func effectiveEmbeddingDimension(cfg *config.Config) uint64 {
	if cfg.OpenAIDimensions > 0 {
		return uint64(cfg.OpenAIDimensions)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EmbedType)) {
	case "local":
		return 384
	default:
		return 1536
	}
}

var _ registrydocindex.DocumentIndex = (*QdrantIndex)(nil)
