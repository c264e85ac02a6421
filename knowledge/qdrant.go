package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

var errQdrantNotFound = errors.New("knowledge: qdrant collection not found")

type qdrantStore struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

type qdrantCondition struct {
	Key   string `json:"key"`
	Match struct {
		Value any `json:"value"`
	} `json:"match"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must"`
}

func NewQdrantStore(baseURL, apiKey string) (VectorStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}
	return &qdrantStore{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}, nil
}

func newQdrantStoreFromEnv() (VectorStore, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	return NewQdrantStore(baseURL, strings.TrimSpace(os.Getenv("QDRANT_API_KEY")))
}

func (c *qdrantStore) EnsureCollection(ctx context.Context, collection string, dim int) error {
	err := c.do(ctx, http.MethodGet, c.collectionPath(collection), nil, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errQdrantNotFound) {
		return err
	}
	if dim <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}

	payload := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	err = c.do(ctx, http.MethodPut, c.collectionPath(collection), payload, nil)
	var status *qdrantStatusError
	if errors.As(err, &status) && status.code == http.StatusConflict {
		return nil
	}
	return err
}

func (c *qdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	wire := make([]qdrantPoint, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.Payload)+2)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[payloadOwner] = p.OwnerID
		payload[payloadText] = p.Text
		wire = append(wire, qdrantPoint{ID: p.ID, Vector: p.Vector, Payload: payload})
	}
	return c.do(ctx, http.MethodPut, c.collectionPath(collection)+"/points?wait=true", map[string]any{"points": wire}, nil)
}

func (c *qdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int, threshold float64, filter map[string]string) ([]SearchResult, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}
	payload := map[string]any{
		"vector":          vector,
		"limit":           topK,
		"with_payload":    true,
		"score_threshold": threshold,
	}
	if len(filter) > 0 {
		payload["filter"] = buildQdrantFilter(filter)
	}

	var decoded struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, c.collectionPath(collection)+"/points/search", payload, &decoded)
	if errors.Is(err, errQdrantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		flat := make(map[string]string, len(item.Payload))
		for k, v := range item.Payload {
			flat[k] = stringifyPayload(v)
		}
		results = append(results, SearchResult{
			ID:      stringifyPayload(item.ID),
			Score:   item.Score,
			OwnerID: flat[payloadOwner],
			Text:    flat[payloadText],
			Source:  flat[payloadSource],
			Payload: flat,
		})
	}
	return cutResults(results, topK, threshold), nil
}

func (c *qdrantStore) DeleteOwner(ctx context.Context, collection, ownerID string) error {
	payload := map[string]any{"filter": buildQdrantFilter(map[string]string{payloadOwner: ownerID})}
	err := c.do(ctx, http.MethodPost, c.collectionPath(collection)+"/points/delete?wait=true", payload, nil)
	if errors.Is(err, errQdrantNotFound) {
		return nil
	}
	return err
}

func (c *qdrantStore) DropCollection(ctx context.Context, collection string) error {
	err := c.do(ctx, http.MethodDelete, c.collectionPath(collection), nil, nil)
	if errors.Is(err, errQdrantNotFound) {
		return nil
	}
	return err
}

func (c *qdrantStore) collectionPath(collection string) string {
	return fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(collection))
}

type qdrantStatusError struct {
	code   int
	status string
	body   string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("knowledge: qdrant status %s: %s", e.status, e.body)
}

func (c *qdrantStore) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("knowledge: encode qdrant payload: %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("knowledge: create qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge: qdrant %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errQdrantNotFound
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &qdrantStatusError{code: resp.StatusCode, status: resp.Status, body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("knowledge: decode qdrant response: %w", err)
	}
	return nil
}

func buildQdrantFilter(filter map[string]string) qdrantFilter {
	f := qdrantFilter{Must: make([]qdrantCondition, 0, len(filter))}
	for key, value := range filter {
		cond := qdrantCondition{Key: key}
		cond.Match.Value = value
		f.Must = append(f.Must, cond)
	}
	return f
}

func stringifyPayload(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
