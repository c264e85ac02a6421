package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 汇总执行管线与知识库摄取的指标。零值和 nil 均可安全调用。
type Recorder struct {
	registry *prometheus.Registry

	turns        *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
	cost         *prometheus.CounterVec
	llmErrors    *prometheus.CounterVec
	ingestFiles  *prometheus.CounterVec
	ingestChunks prometheus.Counter
}

// New 在独立的 registry 上注册指标。
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_agent_turns_total",
			Help: "Agent turns by outcome.",
		}, []string{"model", "outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerly_agent_turn_duration_seconds",
			Help:    "End-to-end agent turn latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_llm_tokens_total",
			Help: "Prompt and completion tokens.",
		}, []string{"model", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_llm_cost_total",
			Help: "Accumulated model cost in account currency.",
		}, []string{"model"}),
		llmErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_llm_errors_total",
			Help: "Failed provider invocations.",
		}, []string{"provider"}),
		ingestFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerly_ingest_files_total",
			Help: "Knowledge files processed by final status.",
		}, []string{"status"}),
		ingestChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerly_ingest_chunks_total",
			Help: "Chunks written to the vector store.",
		}),
	}
	reg.MustRegister(r.turns, r.turnDuration, r.tokens, r.cost, r.llmErrors, r.ingestFiles, r.ingestChunks)
	return r
}

func (r *Recorder) ObserveTurn(model, outcome string, elapsed time.Duration) {
	if r == nil || r.registry == nil {
		return
	}
	r.turns.WithLabelValues(model, outcome).Inc()
	r.turnDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveUsage(model string, promptTokens, completionTokens int, cost float64) {
	if r == nil || r.registry == nil {
		return
	}
	r.tokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	r.tokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	r.cost.WithLabelValues(model).Add(cost)
}

func (r *Recorder) ObserveProviderError(provider string) {
	if r == nil || r.registry == nil {
		return
	}
	r.llmErrors.WithLabelValues(provider).Inc()
}

func (r *Recorder) ObserveIngestFile(status string, chunks int) {
	if r == nil || r.registry == nil {
		return
	}
	r.ingestFiles.WithLabelValues(status).Inc()
	r.ingestChunks.Add(float64(chunks))
}

// Gatherer 供测试读取指标。
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler 以 Prometheus 文本格式输出指标。
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
