package knowledge

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const artifactCollection = "caremesh_artifacts"

// VectorIndex wraps gRPC connections to Qdrant's collections and points
// services for artifact similarity recall.
type VectorIndex struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	embedder    Embedder
}

// NewVectorIndex dials the Qdrant gRPC endpoint and ensures the artifact
// collection exists.
func NewVectorIndex(host string, port int, embedder Embedder) (*VectorIndex, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	idx := &VectorIndex{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		embedder:    embedder,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return idx, nil
}

func (x *VectorIndex) ensureCollection(ctx context.Context) error {
	_, err := x.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: artifactCollection})
	if err == nil {
		return nil
	}
	_, err = x.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: artifactCollection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(x.embedder.Dimension()),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", artifactCollection, err)
	}
	return nil
}

// Index embeds and upserts one artifact.
func (x *VectorIndex) Index(ctx context.Context, a *Artifact) error {
	vec, err := x.embedder.Embed(ctx, a.Content)
	if err != nil {
		return err
	}
	payload := map[string]*pb.Value{
		"team_id":   {Kind: &pb.Value_StringValue{StringValue: a.TeamID}},
		"author_id": {Kind: &pb.Value_StringValue{StringValue: a.AuthorID}},
		"kind":      {Kind: &pb.Value_StringValue{StringValue: a.Kind}},
		"content":   {Kind: &pb.Value_StringValue{StringValue: a.Content}},
		"access":    {Kind: &pb.Value_StringValue{StringValue: string(a.Access)}},
	}
	_, err = x.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: artifactCollection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: a.ID}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", a.ID, err)
	}
	return nil
}

// Query returns the team's nearest artifacts for the query text.
func (x *VectorIndex) Query(ctx context.Context, teamID, query string, limit int) ([]Match, error) {
	vec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	resp, err := x.points.Search(ctx, &pb.SearchPoints{
		CollectionName: artifactCollection,
		Vector:         vec,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter: &pb.Filter{
			Must: []*pb.Condition{
				{
					ConditionOneOf: &pb.Condition_Field{
						Field: &pb.FieldCondition{
							Key:   "team_id",
							Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: teamID}},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search artifacts: %w", err)
	}

	out := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		a := Artifact{ID: r.Id.GetUuid(), TeamID: teamID}
		if v, ok := r.Payload["content"]; ok {
			a.Content = v.GetStringValue()
		}
		if v, ok := r.Payload["author_id"]; ok {
			a.AuthorID = v.GetStringValue()
		}
		if v, ok := r.Payload["kind"]; ok {
			a.Kind = v.GetStringValue()
		}
		if v, ok := r.Payload["access"]; ok {
			a.Access = Access(v.GetStringValue())
		}
		out = append(out, Match{Artifact: a, Score: float64(r.Score)})
	}
	return out, nil
}

// Close tears down the underlying gRPC connection.
func (x *VectorIndex) Close() error {
	return x.conn.Close()
}
