package knowledge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemSearchMissingCollectionIsEmpty(t *testing.T) {
	store, err := NewChromemStore("")
	require.NoError(t, err)

	results, err := store.Search(context.Background(), "agent_404_knowledge", []float32{1, 0}, 5, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemRoundTripAndDeleteOwner(t *testing.T) {
	ctx := context.Background()
	store, err := NewChromemStore("")
	require.NoError(t, err)

	const col = "agent_1_knowledge"
	require.NoError(t, store.EnsureCollection(ctx, col, 2))
	require.NoError(t, store.EnsureCollection(ctx, col, 2))

	require.NoError(t, store.Upsert(ctx, col, []Point{
		{ID: PointID("10", 0, 1), Vector: []float32{1, 0}, OwnerID: "10", Text: "invoices", Payload: map[string]string{payloadSource: "a.txt"}},
		{ID: PointID("10", 1, 1), Vector: []float32{0.7, 0.7}, OwnerID: "10", Text: "mixed", Payload: map[string]string{payloadSource: "a.txt"}},
		{ID: PointID("11", 0, 1), Vector: []float32{0, 1}, OwnerID: "11", Text: "payroll", Payload: map[string]string{payloadSource: "b.txt"}},
	}))

	results, err := store.Search(ctx, col, []float32{1, 0}, 10, 0.5, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "invoices", results[0].Text)
	assert.Equal(t, "a.txt", results[0].Source)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)

	results, err = store.Search(ctx, col, []float32{1, 0}, 1, 0, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, store.DeleteOwner(ctx, col, "10"))
	results, err = store.Search(ctx, col, []float32{1, 0}, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "11", results[0].OwnerID)

	require.NoError(t, store.DropCollection(ctx, col))
	results, err = store.Search(ctx, col, []float32{1, 0}, 10, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemUpsertWithoutCollectionFails(t *testing.T) {
	store, err := NewChromemStore("")
	require.NoError(t, err)
	err = store.Upsert(context.Background(), "agent_2_knowledge", []Point{{ID: PointID("1", 0, 0), Vector: []float32{1}, Text: "x"}})
	assert.Error(t, err)
}

func TestPointIDIsStableUUID(t *testing.T) {
	a := PointID("7", 3, 42)
	assert.Equal(t, a, PointID("7", 3, 42))
	assert.NotEqual(t, a, PointID("7", 4, 42))
	assert.Len(t, a, 36)
}

type qdrantCall struct {
	method string
	path   string
	body   map[string]any
}

func fakeQdrant(t *testing.T, existing map[string]bool) (*httptest.Server, *[]qdrantCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []qdrantCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		call := qdrantCall{method: r.Method, path: r.URL.Path}
		if len(raw) > 0 {
			require.NoError(t, json.Unmarshal(raw, &call.body))
		}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()

		name := strings.Split(strings.TrimPrefix(r.URL.Path, "/collections/"), "/")[0]
		switch {
		case r.Method == http.MethodGet && !existing[name]:
			http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
		case r.Method == http.MethodPut && !strings.Contains(r.URL.Path, "/points"):
			existing[name] = true
			_, _ = w.Write([]byte(`{"result":true}`))
		case strings.HasSuffix(r.URL.Path, "/points/search"):
			if !existing[name] {
				http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"result":[
				{"id":"b","score":0.6,"payload":{"owner_id":"5","text":"second","source":"b.pdf","ordinal":1}},
				{"id":"a","score":0.9,"payload":{"owner_id":"5","text":"first","source":"a.pdf","ordinal":0}}
			]}`))
		default:
			_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
		}
	}))
	return srv, &calls
}

func TestQdrantEnsureCollectionIsIdempotent(t *testing.T) {
	existing := map[string]bool{}
	srv, calls := fakeQdrant(t, existing)
	defer srv.Close()

	store, err := NewQdrantStore(srv.URL, "")
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx, "agent_3_knowledge", 4))
	require.NoError(t, store.EnsureCollection(ctx, "agent_3_knowledge", 4))

	var creates int
	for _, c := range *calls {
		if c.method == http.MethodPut {
			creates++
			vectors := c.body["vectors"].(map[string]any)
			assert.Equal(t, float64(4), vectors["size"])
			assert.Equal(t, "Cosine", vectors["distance"])
		}
	}
	assert.Equal(t, 1, creates)
}

func TestQdrantSearchMissingCollectionIsEmpty(t *testing.T) {
	srv, _ := fakeQdrant(t, map[string]bool{})
	defer srv.Close()

	store, err := NewQdrantStore(srv.URL, "")
	require.NoError(t, err)
	results, err := store.Search(context.Background(), "agent_9_knowledge", []float32{1}, 5, 0.2, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQdrantSearchSortsAndMapsPayload(t *testing.T) {
	srv, calls := fakeQdrant(t, map[string]bool{"agent_5_knowledge": true})
	defer srv.Close()

	store, err := NewQdrantStore(srv.URL, "")
	require.NoError(t, err)
	results, err := store.Search(context.Background(), "agent_5_knowledge", []float32{1, 0}, 5, 0.5, map[string]string{"source": "a.pdf"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Text)
	assert.Equal(t, "0", results[0].Payload[payloadOrdinal])
	assert.Equal(t, "5", results[1].OwnerID)

	body := (*calls)[0].body
	assert.Equal(t, 0.5, body["score_threshold"])
	assert.NotNil(t, body["filter"])
}

func TestQdrantDeleteOwnerFiltersByOwner(t *testing.T) {
	srv, calls := fakeQdrant(t, map[string]bool{"agent_5_knowledge": true})
	defer srv.Close()

	store, err := NewQdrantStore(srv.URL, "")
	require.NoError(t, err)
	require.NoError(t, store.DeleteOwner(context.Background(), "agent_5_knowledge", "12"))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/collections/agent_5_knowledge/points/delete", call.path)
	must := call.body["filter"].(map[string]any)["must"].([]any)
	cond := must[0].(map[string]any)
	assert.Equal(t, payloadOwner, cond["key"])
	assert.Equal(t, "12", cond["match"].(map[string]any)["value"])
}
