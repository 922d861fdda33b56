package queue

import (
	"context"
	"sync"
	"time"

	"github.com/bloomtext/bloomtext/pkg/logging"
)

// HandlerFunc processes one job. A returned error triggers a retry with
// backoff; returning nil finalizes the job, including the structured
// "blocked at dispatch" outcome.
type HandlerFunc func(ctx context.Context, job *Job) error

// Worker runs a bounded pool of goroutines against one queue, plus a
// scheduler goroutine that promotes delayed jobs.
type Worker struct {
	queue       *Queue
	handler     HandlerFunc
	limiter     *RateLimiter
	concurrency int
	pollTimeout time.Duration
	promoteTick time.Duration
	logger      *logging.Logger

	wg sync.WaitGroup
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queue       *Queue
	Handler     HandlerFunc
	Limiter     *RateLimiter
	Concurrency int
	Logger      *logging.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		queue:       cfg.Queue,
		handler:     cfg.Handler,
		limiter:     cfg.Limiter,
		concurrency: concurrency,
		pollTimeout: 2 * time.Second,
		promoteTick: 500 * time.Millisecond,
		logger:      logger.WithComponent("queue." + cfg.Queue.kind),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	go w.scheduleLoop(ctx)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workLoop(ctx)
	}
	w.wg.Wait()
}

func (w *Worker) scheduleLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.promoteTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("promote delayed jobs failed", "error", err)
			}
		}
	}
}

func (w *Worker) workLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err == ErrEmpty {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		// Take a rate token only with a job in hand; idle polls must not
		// consume send budget.
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	if err := w.handler(ctx, job); err != nil {
		retried, retryErr := w.queue.Retry(ctx, job, err)
		if retryErr != nil {
			w.logger.Error("retry scheduling failed", "error", retryErr, "job_id", job.ID)
			return
		}
		if retried {
			w.logger.Warn("job failed, retry scheduled",
				"job_id", job.ID, "attempt", job.Attempt, "error", err)
		} else {
			w.logger.Error("job exhausted attempts",
				"job_id", job.ID, "attempts", job.Attempt, "error", err)
		}
		return
	}
	if err := w.queue.Ack(ctx, job); err != nil {
		w.logger.Error("ack failed", "error", err, "job_id", job.ID)
	}
}
