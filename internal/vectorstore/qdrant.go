package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

// pointNamespace seeds the UUIDv5 point ids. Qdrant only accepts UUIDs or
// unsigned integers as point ids.
var pointNamespace = uuid.MustParse("6f1c2d0e-93b4-4d7a-9a57-1b8f0c3e5d21")

// PointID derives the stable Qdrant point id of an observation.
func PointID(observationID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(observationID)).String()
}

// QdrantClient interfaces with the Qdrant REST API for vector operations.
type QdrantClient struct {
	baseURL    string
	httpClient *http.Client
	dimension  int
}

func NewQdrantClient(baseURL string, dimension int) *QdrantClient {
	return &QdrantClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dimension: dimension,
	}
}

// Point represents a vector point in Qdrant.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SearchResult is a single scored result from Qdrant.
type SearchResult struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// HealthCheck verifies Qdrant connectivity.
func (c *QdrantClient) HealthCheck(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant health check: status %d", resp.StatusCode)
	}
	return nil
}

// EnsureCollection creates a collection if it doesn't exist.
func (c *QdrantClient) EnsureCollection(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     c.dimension,
			"distance": "Cosine",
		},
	}
	_, err = c.send(ctx, http.MethodPut, "/collections/"+name, body)
	return err
}

// Upsert inserts or updates vector points in a collection.
func (c *QdrantClient) Upsert(ctx context.Context, collection string, points []Point) error {
	body := map[string]any{
		"points": points,
	}
	_, err := c.send(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body)
	return err
}

// Search finds the nearest vectors in a collection.
func (c *QdrantClient) Search(ctx context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]SearchResult, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		body["filter"] = filter
	}

	respBody, err := c.send(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result []SearchResult `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return resp.Result, nil
}

// PointsCount returns the number of points in a collection.
func (c *QdrantClient) PointsCount(ctx context.Context, collection string) (int, error) {
	respBody, err := c.send(ctx, http.MethodGet, "/collections/"+collection, nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Result struct {
			PointsCount int `json:"points_count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, fmt.Errorf("decode collection info: %w", err)
	}
	return resp.Result.PointsCount, nil
}

func (c *QdrantClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func (c *QdrantClient) send(ctx context.Context, method, path string, body any) ([]byte, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("qdrant %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// QdrantIndex stores observation vectors in one remote collection.
type QdrantIndex struct {
	client     *QdrantClient
	collection string
}

// NewQdrantIndex ensures the collection for the client's dimension exists.
func NewQdrantIndex(ctx context.Context, client *QdrantClient) (*QdrantIndex, error) {
	name := collectionName(client.dimension)
	if err := client.EnsureCollection(ctx, name); err != nil {
		return nil, fmt.Errorf("ensure collection %s: %w", name, err)
	}
	return &QdrantIndex{client: client, collection: name}, nil
}

func (q *QdrantIndex) Name() string { return EngineQdrant }

func (q *QdrantIndex) Upsert(ctx context.Context, docs ...Doc) error {
	points := make([]Point, 0, len(docs))
	for _, d := range docs {
		if isZero(d.Embedding) {
			continue
		}
		points = append(points, Point{
			ID:     PointID(d.ObservationID),
			Vector: d.Embedding,
			Payload: map[string]any{
				"observation_id": d.ObservationID,
				"project":        d.Project,
				"session_id":     d.SessionID,
				"private":        d.Private,
				"created_at":     d.CreatedAt,
			},
		})
	}
	if len(points) == 0 {
		return nil
	}
	return q.client.Upsert(ctx, q.collection, points)
}

// qdrantFilter renders the filter as Qdrant "must" match conditions.
func qdrantFilter(f models.Filter) map[string]any {
	var must []map[string]any
	match := func(key string, value any) {
		must = append(must, map[string]any{"key": key, "match": map[string]any{"value": value}})
	}
	if f.Project != "" {
		match("project", f.Project)
	}
	if f.SessionID != "" {
		match("session_id", f.SessionID)
	}
	if !f.IncludePrivate {
		match("private", false)
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func (q *QdrantIndex) Search(ctx context.Context, query []float32, f models.Filter, k int) ([]Hit, error) {
	if k <= 0 || isZero(query) {
		return nil, nil
	}
	results, err := q.client.Search(ctx, q.collection, query, k, qdrantFilter(f))
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id, _ := r.Payload["observation_id"].(string)
		if id == "" {
			continue
		}
		hits = append(hits, Hit{ObservationID: id, Similarity: UnitSimilarity(r.Score)})
	}
	return hits, nil
}

func (q *QdrantIndex) Len(ctx context.Context) (int, error) {
	return q.client.PointsCount(ctx, q.collection)
}

func (q *QdrantIndex) Close() error {
	q.client.httpClient.CloseIdleConnections()
	return nil
}
