package knowledge

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"ledgerly_back/zlog"
)

const defaultDrainTimeout = 30 * time.Second

var (
	ErrQueueFull     = errors.New("knowledge: ingestion queue is full")
	ErrWorkerStopped = errors.New("knowledge: ingestion worker is stopped")
)

// Task 指向一个待处理的知识库。
type Task struct {
	AgentID         uint64
	KnowledgeBaseID uint64
}

// TaskHandler 处理单个任务。
type TaskHandler func(ctx context.Context, task Task) error

type WorkerConfig struct {
	Workers   int
	QueueSize int
	// PerAgent 限制同一智能体同时运行的任务数。
	PerAgent int64
	// DrainTimeout 是 Stop 等待排队任务完成的上限，超时后取消正在运行的任务。
	DrainTimeout time.Duration
}

// WorkerConfigFromEnv 读取 INGEST_WORKERS、INGEST_QUEUE_SIZE、INGEST_PER_AGENT 与 INGEST_DRAIN_TIMEOUT。
func WorkerConfigFromEnv() WorkerConfig {
	cfg := WorkerConfig{
		Workers:      envInt("INGEST_WORKERS", 2),
		QueueSize:    envInt("INGEST_QUEUE_SIZE", 64),
		PerAgent:     int64(envInt("INGEST_PER_AGENT", 1)),
		DrainTimeout: defaultDrainTimeout,
	}
	if raw := strings.TrimSpace(os.Getenv("INGEST_DRAIN_TIMEOUT")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.DrainTimeout = d
		} else {
			zlog.Warn("knowledge: invalid INGEST_DRAIN_TIMEOUT, using default", zap.String("value", raw))
		}
	}
	return cfg
}

// Worker 用固定数量的 goroutine 处理有界队列。任务按智能体分队列，轮询挑选
// 未达到并发上限的智能体，忙碌的智能体不会占住空闲的 goroutine。
type Worker struct {
	handler      TaskHandler
	workers      int
	capacity     int
	perAgent     int64
	drainTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[uint64][]Task
	order   []uint64
	sems    map[uint64]*semaphore.Weighted
	queued  int
	stopped bool
	abandon bool
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorker(handler TaskHandler, cfg WorkerConfig) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PerAgent <= 0 {
		cfg.PerAgent = 1
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	w := &Worker{
		handler:      handler,
		workers:      cfg.Workers,
		capacity:     cfg.QueueSize,
		perAgent:     cfg.PerAgent,
		drainTimeout: cfg.DrainTimeout,
		queues:       make(map[uint64][]Task),
		sems:         make(map[uint64]*semaphore.Weighted),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start 启动 goroutine。任务上下文只继承 ctx 中的值，不随 ctx 取消；
// 结束时必须调用 Stop。
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	w.ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop()
	}
}

// Enqueue 从不阻塞，队列满时返回 ErrQueueFull。
func (w *Worker) Enqueue(task Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWorkerStopped
	}
	if w.queued >= w.capacity {
		return ErrQueueFull
	}
	if len(w.queues[task.AgentID]) == 0 {
		w.order = append(w.order, task.AgentID)
	}
	w.queues[task.AgentID] = append(w.queues[task.AgentID], task)
	w.queued++
	w.cond.Signal()
	return nil
}

// Stop 拒绝新任务，在 DrainTimeout 内等待已排队的任务完成。超时后取消正在
// 运行的任务并放弃剩余任务，它们在库中保持 pending，下次启动时由
// Service.ResumeUnfinished 重新入队。
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.cond.Broadcast()
	w.mu.Unlock()
	if !started {
		return
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.drainTimeout):
		w.mu.Lock()
		zlog.Warn("knowledge: ingestion drain timed out, abandoning queued tasks", zap.Int("queued", w.queued))
		w.abandon = true
		w.cond.Broadcast()
		w.mu.Unlock()
		w.cancel()
		<-done
	}
	w.cancel()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		task, sem, ok := w.next()
		if !ok {
			return
		}
		w.run(task)
		sem.Release(1)
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// next 阻塞直到有可运行的任务，返回时已占用该智能体的信号量。
func (w *Worker) next() (Task, *semaphore.Weighted, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.abandon || (w.stopped && w.queued == 0) {
			return Task{}, nil, false
		}
		for i, agentID := range w.order {
			sem := w.agentSemaphore(agentID)
			if !sem.TryAcquire(1) {
				continue
			}
			queue := w.queues[agentID]
			task := queue[0]
			w.order = append(w.order[:i:i], w.order[i+1:]...)
			if len(queue) == 1 {
				delete(w.queues, agentID)
			} else {
				w.queues[agentID] = queue[1:]
				w.order = append(w.order, agentID)
			}
			w.queued--
			return task, sem, true
		}
		w.cond.Wait()
	}
}

func (w *Worker) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error("knowledge: ingestion task panicked",
				zap.Uint64("knowledge_base_id", task.KnowledgeBaseID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := w.handler(w.ctx, task); err != nil {
		zlog.Error("knowledge: ingestion task failed",
			zap.Uint64("agent_id", task.AgentID),
			zap.Uint64("knowledge_base_id", task.KnowledgeBaseID),
			zap.Error(err),
		)
	}
}

// agentSemaphore 需在持有 w.mu 时调用。
func (w *Worker) agentSemaphore(agentID uint64) *semaphore.Weighted {
	sem, ok := w.sems[agentID]
	if !ok {
		sem = semaphore.NewWeighted(w.perAgent)
		w.sems[agentID] = sem
	}
	return sem
}
