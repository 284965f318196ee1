package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sellsight/sellsight/internal/adapter/observability"
	"github.com/sellsight/sellsight/internal/domain"
)

// MaxRetries bounds total attempts per task, the first included.
const MaxRetries = 3

// Worker drains the sync queue. Partitioning already serializes one
// connection's tasks within a worker; the keyed locks keep that guarantee
// through rebalances, when two workers can briefly hold the same
// partition's tail.
type Worker struct {
	queue    domain.SyncQueue
	svc      *Service
	states   domain.SyncStateRepo
	notifier domain.Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewWorker(queue domain.SyncQueue, svc *Service, states domain.SyncStateRepo, notifier domain.Notifier) *Worker {
	return &Worker{
		queue:    queue,
		svc:      svc,
		states:   states,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Run dequeues and processes tasks until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("sync worker started")
	for {
		if ctx.Err() != nil {
			slog.Info("sync worker stopping")
			return ctx.Err()
		}
		task, ack, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("dequeue failed", slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		w.process(ctx, task, ack)
	}
}

func (w *Worker) process(ctx context.Context, task domain.SyncTask, ack func(domain.Context) error) {
	lock := w.connLock(task.ConnectionID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	result, err := w.svc.Sync(ctx, task)
	switch {
	case err == nil:
		observability.ObserveSync("completed", time.Since(start), result.RowsSynced)
		slog.Info("sync completed",
			slog.String("connection_id", task.ConnectionID),
			slog.Int("rows_synced", result.RowsSynced),
			slog.Int("total_rows", result.TotalRows))

	case errors.Is(err, ErrSkipped):
		observability.ObserveSync("skipped", time.Since(start), -1)
		slog.Info("sync skipped", slog.String("connection_id", task.ConnectionID), slog.Any("reason", err))

	case ctx.Err() != nil:
		// Shutting down mid-task: leave the offset uncommitted so another
		// worker redelivers it.
		slog.Warn("sync interrupted by shutdown", slog.String("connection_id", task.ConnectionID))
		return

	case domain.IsRetryable(err) && task.RetryCount+1 < MaxRetries:
		observability.ObserveSync("retried", time.Since(start), -1)
		retry := task
		retry.RetryCount++
		slog.Warn("sync failed, re-enqueueing",
			slog.String("connection_id", task.ConnectionID),
			slog.Int("retry_count", retry.RetryCount),
			slog.Any("error", err))
		if enqErr := w.queue.Enqueue(ctx, retry); enqErr != nil {
			// Could not hand the retry off; leave this delivery uncommitted
			// instead so the task is not lost.
			slog.Error("re-enqueue failed, leaving task for redelivery",
				slog.String("connection_id", task.ConnectionID),
				slog.Any("error", enqErr))
			return
		}

	default:
		observability.ObserveSync("failed", time.Since(start), -1)
		w.fail(ctx, task, err)
	}

	if err := ack(ctx); err != nil {
		slog.Error("ack failed", slog.String("connection_id", task.ConnectionID), slog.Any("error", err))
	}
}

// fail handles a terminal failure. The crawler already recorded and
// emitted this attempt's error; the worker adds the retries-exhausted
// notice on top when the budget ran out.
func (w *Worker) fail(ctx context.Context, task domain.SyncTask, err error) {
	slog.Error("sync failed terminally",
		slog.String("connection_id", task.ConnectionID),
		slog.Int("retry_count", task.RetryCount),
		slog.Any("error", err))
	if !domain.IsRetryable(err) {
		return
	}
	msg := fmt.Sprintf("Sync failed after %d retries: %s", MaxRetries, err.Error())
	if stateErr := w.states.RecordError(ctx, task.ConnectionID, msg); stateErr != nil {
		slog.Warn("recording terminal sync error failed", slog.Any("error", stateErr))
	}
	w.notifier.EmitToUser(ctx, task.UserID, domain.EventSyncFailed, map[string]any{
		"connection_id": task.ConnectionID,
		"error":         msg,
	})
}

func (w *Worker) connLock(connectionID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.locks[connectionID] == nil {
		w.locks[connectionID] = &sync.Mutex{}
	}
	return w.locks[connectionID]
}
