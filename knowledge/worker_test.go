package knowledge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestThroughWorkerReturnsPendingImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	worker := NewWorker(env.svc.ProcessKnowledgeBase, WorkerConfig{Workers: 2, QueueSize: 4, PerAgent: 1})
	env.svc.UseWorker(worker)
	worker.Start(ctx)
	defer worker.Stop()

	kb, err := env.svc.Ingest(ctx, 3, []FileUpload{{Name: "faq.txt", MimeType: "text/plain", Data: []byte(fiftyCharSentences(49))}})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, kb.Status)

	require.Eventually(t, func() bool {
		loaded, err := env.svc.GetKnowledgeBase(ctx, 3, kb.ID)
		return err == nil && loaded.Status == StatusIndexed
	}, 5*time.Second, 10*time.Millisecond)

	loaded, err := env.svc.GetKnowledgeBase(ctx, 3, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.TotalChunks)
	assert.Equal(t, []string{StatusPending, StatusProcessing, StatusIndexed}, env.store.statuses("faq.txt"))
}

func TestWorkerBoundsConcurrencyPerAgent(t *testing.T) {
	var (
		mu      sync.Mutex
		running = map[uint64]int{}
		peak    = map[uint64]int{}
		done    sync.WaitGroup
	)
	handler := func(ctx context.Context, task Task) error {
		defer done.Done()
		mu.Lock()
		running[task.AgentID]++
		if running[task.AgentID] > peak[task.AgentID] {
			peak[task.AgentID] = running[task.AgentID]
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running[task.AgentID]--
		mu.Unlock()
		return nil
	}

	worker := NewWorker(handler, WorkerConfig{Workers: 4, QueueSize: 16, PerAgent: 1})
	worker.Start(context.Background())

	for i := 0; i < 4; i++ {
		done.Add(2)
		require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: uint64(i)}))
		require.NoError(t, worker.Enqueue(Task{AgentID: 2, KnowledgeBaseID: uint64(i)}))
	}
	done.Wait()
	worker.Stop()

	assert.Equal(t, 1, peak[1])
	assert.Equal(t, 1, peak[2])
}

func TestWorkerQueueFullAndStopped(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	worker := NewWorker(func(ctx context.Context, task Task) error {
		started.Add(1)
		<-release
		return nil
	}, WorkerConfig{Workers: 1, QueueSize: 1})
	worker.Start(context.Background())

	require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: 1}))
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: 2}))
	assert.ErrorIs(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: 3}), ErrQueueFull)

	close(release)
	worker.Stop()
	assert.Equal(t, int32(2), started.Load())
	assert.ErrorIs(t, worker.Enqueue(Task{AgentID: 1}), ErrWorkerStopped)
}

func TestWorkerRecoversFromPanickingTask(t *testing.T) {
	var handled atomic.Int32
	worker := NewWorker(func(ctx context.Context, task Task) error {
		handled.Add(1)
		if task.KnowledgeBaseID == 1 {
			panic("boom")
		}
		return nil
	}, WorkerConfig{Workers: 1, QueueSize: 2})
	worker.Start(context.Background())

	require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: 1}))
	require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: 2}))
	worker.Stop()
	assert.Equal(t, int32(2), handled.Load())
}

func TestWorkerKeepsOtherAgentsMovingWhileOneIsBusy(t *testing.T) {
	release := make(chan struct{})
	var (
		mu  sync.Mutex
		ran []uint64
	)
	worker := NewWorker(func(ctx context.Context, task Task) error {
		mu.Lock()
		ran = append(ran, task.KnowledgeBaseID)
		mu.Unlock()
		if task.KnowledgeBaseID == 1 {
			<-release
		}
		return nil
	}, WorkerConfig{Workers: 2, QueueSize: 8, PerAgent: 1})
	worker.Start(context.Background())

	ranIDs := func() []uint64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint64(nil), ran...)
	}

	require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: 1}))
	require.Eventually(t, func() bool { return len(ranIDs()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: 2}))
	require.NoError(t, worker.Enqueue(Task{AgentID: 2, KnowledgeBaseID: 3}))

	require.Eventually(t, func() bool { return len(ranIDs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 3}, ranIDs())

	close(release)
	worker.Stop()
	assert.Equal(t, []uint64{1, 3, 2}, ranIDs())
}

func TestWorkerStopDrainsQueueAfterStartContextIsCancelled(t *testing.T) {
	var handled, cancelled atomic.Int32
	worker := NewWorker(func(ctx context.Context, task Task) error {
		time.Sleep(5 * time.Millisecond)
		if ctx.Err() != nil {
			cancelled.Add(1)
		}
		handled.Add(1)
		return nil
	}, WorkerConfig{Workers: 1, QueueSize: 8})

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	for i := 1; i <= 4; i++ {
		require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: uint64(i)}))
	}
	cancel()
	worker.Stop()

	assert.Equal(t, int32(4), handled.Load())
	assert.Zero(t, cancelled.Load())
}

func TestWorkerStopCancelsRunningTaskAfterDrainTimeout(t *testing.T) {
	var started, sawCancel atomic.Int32
	worker := NewWorker(func(ctx context.Context, task Task) error {
		started.Add(1)
		<-ctx.Done()
		sawCancel.Add(1)
		return ctx.Err()
	}, WorkerConfig{Workers: 1, QueueSize: 4, DrainTimeout: 50 * time.Millisecond})
	worker.Start(context.Background())

	require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: 1}))
	require.NoError(t, worker.Enqueue(Task{AgentID: 1, KnowledgeBaseID: 2}))
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		worker.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the drain timeout")
	}
	assert.Equal(t, int32(1), started.Load(), "queued task is left for the next start")
	assert.Equal(t, int32(1), sawCancel.Load())
}

func TestResumeUnfinishedRequeuesPendingKnowledgeBases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	idle := NewWorker(env.svc.ProcessKnowledgeBase, WorkerConfig{Workers: 1, QueueSize: 4})
	env.svc.UseWorker(idle)
	kb, err := env.svc.Ingest(ctx, 5, []FileUpload{{Name: "notes.txt", MimeType: "text/plain", Data: []byte(fiftyCharSentences(10))}})
	require.NoError(t, err)
	idle.Stop()

	loaded, err := env.svc.GetKnowledgeBase(ctx, 5, kb.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, loaded.Status)

	worker := NewWorker(env.svc.ProcessKnowledgeBase, WorkerConfig{Workers: 1, QueueSize: 4})
	env.svc.UseWorker(worker)
	worker.Start(ctx)
	defer worker.Stop()

	resumed, err := env.svc.ResumeUnfinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	require.Eventually(t, func() bool {
		loaded, err := env.svc.GetKnowledgeBase(ctx, 5, kb.ID)
		return err == nil && loaded.Status == StatusIndexed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResumeUnfinishedWithoutWorker(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.ResumeUnfinished(context.Background())
	assert.Error(t, err)
}
