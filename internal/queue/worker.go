package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chama/pkg/errors"
	"chama/pkg/logger"
)

// Handler processes one job. A returned error schedules a retry until the
// job's attempts are used up.
type Handler func(ctx context.Context, job *Job) error

type WorkerConfig struct {
	Concurrency int
	// JobTimeout bounds a single attempt.
	JobTimeout time.Duration
	// PollTimeout is how long a worker blocks waiting for a job before it
	// checks for due delayed jobs and shutdown again.
	PollTimeout time.Duration
	// RecoverInterval is how often the worker requeues active jobs whose
	// owner stopped renewing its lease. Zero disables the sweep.
	RecoverInterval time.Duration
}

// Worker runs registered handlers for jobs claimed from a queue.
type Worker struct {
	queue    *Queue
	cfg      WorkerConfig
	logger   logger.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(q *Queue, cfg WorkerConfig, log logger.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	return &Worker{
		queue:    q,
		cfg:      cfg,
		logger:   log.With(map[string]interface{}{"queue": q.Name()}),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Run processes jobs until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Queue worker started", map[string]interface{}{
		"concurrency": w.cfg.Concurrency,
	})

	var wg sync.WaitGroup
	if w.cfg.RecoverInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.sweep(ctx)
		}()
	}
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()

	w.logger.Info("Queue worker stopped", nil)
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.claim(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to claim job", map[string]interface{}{
				"slot":  slot,
				"error": err,
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollTimeout):
			}
			continue
		}
		if job == nil {
			continue
		}

		// Bookkeeping after the handler must survive shutdown.
		w.Process(context.WithoutCancel(ctx), job)
	}
}

// sweep requeues jobs abandoned by workers that died mid-run.
func (w *Worker) sweep(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := w.queue.RecoverActive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Failed to recover abandoned jobs", map[string]interface{}{"error": err})
			}
			continue
		}
		if n > 0 {
			w.logger.Warn("Requeued abandoned jobs", map[string]interface{}{"count": n})
		}
	}
}

// holdLease renews the job's lease until stop is closed.
func (w *Worker) holdLease(ctx context.Context, job *Job, stop <-chan struct{}) {
	ticker := time.NewTicker(max(w.queue.cfg.LeaseTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		held, err := w.queue.extendLease(ctx, job.ID)
		switch {
		case err != nil:
			w.logger.Warn("Failed to renew job lease", map[string]interface{}{"job_id": job.ID, "error": err})
		case !held:
			w.logger.Warn("Job lease lost, job may run twice", map[string]interface{}{"job_id": job.ID})
		}
	}
}

// Process runs one claimed job and records its outcome.
func (w *Worker) Process(ctx context.Context, job *Job) {
	fields := map[string]interface{}{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempt":  job.Attempts,
	}

	h, ok := w.handler(job.Type)
	if !ok {
		w.logger.Error("No handler for job type", fields)
		if _, err := w.queue.retryOrFail(ctx, job, errors.ErrUnknownJobType, false); err != nil {
			w.logger.Error("Failed to record job failure", map[string]interface{}{"job_id": job.ID, "error": err})
		}
		return
	}

	stop := make(chan struct{})
	go w.holdLease(ctx, job, stop)
	start := time.Now()
	err := w.invoke(ctx, h, job)
	close(stop)
	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err == nil {
		if cerr := w.queue.complete(ctx, job); cerr != nil {
			fields["error"] = cerr
			w.logger.Error("Failed to mark job completed", fields)
			return
		}
		w.logger.Info("Job completed", fields)
		return
	}

	fields["error"] = err
	delay, rerr := w.queue.retryOrFail(ctx, job, err, true)
	if rerr != nil {
		fields["record_error"] = rerr
		w.logger.Error("Failed to record job failure", fields)
		return
	}
	if delay > 0 {
		fields["retry_in"] = delay.String()
		w.logger.Warn("Job failed, retry scheduled", fields)
		return
	}
	w.logger.Error("Job failed permanently", fields)
}

func (w *Worker) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
