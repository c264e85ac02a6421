package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ObserveTurn("gpt-4o", "ok", 120*time.Millisecond)
	r.ObserveUsage("gpt-4o", 100, 50, 0.00075)
	r.ObserveIngestFile("indexed", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.turns.WithLabelValues("gpt-4o", "ok")))
	assert.Equal(t, 100.0, testutil.ToFloat64(r.tokens.WithLabelValues("gpt-4o", "prompt")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.ingestChunks))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledgerly_agent_turns_total")
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveTurn("m", "ok", time.Second)
		r.ObserveUsage("m", 1, 1, 0)
		r.ObserveProviderError("openai")
		r.ObserveIngestFile("error", 0)
	})
}
