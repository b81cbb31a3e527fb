// Package queue is a durable at-least-once job queue on redis.
//
// Layout under queue:<name>:
//
//	waiting    list of job ids ready to run
//	active     list of job ids claimed by a worker
//	delayed    sorted set of job ids scored by the unix millis they become due
//	job:<id>   JSON encoded Job
//	lease:<id> held by the worker running the job, renewed while it runs
//	completed  counter
//	failed     counter, plus failed:ids, a capped list of the latest failures
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"chama/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job is one unit of work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}

// Options override the queue defaults for one job.
type Options struct {
	Attempts int
	Backoff  time.Duration
	Delay    time.Duration
	// JobID makes Enqueue idempotent: a job with an id that already exists is
	// not enqueued again.
	JobID string
}

// Counts is a snapshot of queue sizes.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type Config struct {
	Name        string
	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// HistorySize caps the list of failed job ids kept for inspection.
	HistorySize int64
	// FailedTTL is how long failed job bodies are kept.
	FailedTTL time.Duration
	// LeaseTTL is how long a claimed job stays owned without a renewal.
	// RecoverActive only requeues active jobs whose lease has lapsed.
	LeaseTTL time.Duration
}

type Queue struct {
	client *redis.Client
	cfg    Config
}

func New(client *redis.Client, cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Minute
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 500
	}
	if cfg.FailedTTL <= 0 {
		cfg.FailedTTL = 7 * 24 * time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Queue{client: client, cfg: cfg}
}

func (q *Queue) Name() string { return q.cfg.Name }

func (q *Queue) key(parts ...string) string {
	k := "queue:" + q.cfg.Name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job", id) }

func (q *Queue) leaseKey(id string) string { return q.key("lease", id) }

// extendLease renews the lease on a job this process is running. It reports
// false when the lease was already gone.
func (q *Queue) extendLease(ctx context.Context, id string) (bool, error) {
	return q.client.PExpire(ctx, q.leaseKey(id), q.cfg.LeaseTTL).Result()
}

// Enqueue stores a job and makes it available to workers, after opts.Delay if
// set. It returns the job id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode job payload")
	}

	job := &Job{
		ID:          opts.JobID,
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  time.Now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.Attempts
	}
	if job.Backoff <= 0 {
		job.Backoff = q.cfg.BackoffBase
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	created, err := q.client.SetNX(ctx, q.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return "", errors.Wrap(err, "failed to store job")
	}
	if !created {
		return job.ID, nil
	}

	if opts.Delay > 0 {
		due := time.Now().Add(opts.Delay).UnixMilli()
		err = q.client.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due), Member: job.ID}).Err()
	} else {
		err = q.client.LPush(ctx, q.key("waiting"), job.ID).Err()
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to enqueue job")
	}
	return job.ID, nil
}

// Get returns a stored job.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrap(err, "failed to decode job")
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.jobKey(job.ID), data, ttl).Err()
}

// promoteDue moves delayed jobs whose time has come onto the waiting list.
// ZREM decides ownership, so concurrent promoters never double-queue a job.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key("waiting"), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// claim blocks up to timeout for the next waiting job and moves it to active.
// It returns nil, nil when nothing became available.
func (q *Queue) claim(ctx context.Context, timeout time.Duration) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to promote delayed jobs")
	}

	id, err := q.client.BLMove(ctx, q.key("waiting"), q.key("active"), "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := q.client.Set(ctx, q.leaseKey(id), "1", q.cfg.LeaseTTL).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to take job lease")
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, errors.ErrJobNotFound) {
		// Body expired or was removed; drop the dangling id.
		q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.key("active"), 1, id)
			p.Del(ctx, q.leaseKey(id))
			return nil
		})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Attempts++
	if err := q.save(ctx, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) complete(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("active"), 1, job.ID)
		p.Del(ctx, q.jobKey(job.ID), q.leaseKey(job.ID))
		p.Incr(ctx, q.key("completed"))
		return nil
	})
	return err
}

// retryOrFail schedules another attempt after the backoff delay, or moves the
// job to the failed history once its attempts are used up. It reports the
// retry delay, zero when the job failed for good.
func (q *Queue) retryOrFail(ctx context.Context, job *Job, cause error, retryable bool) (time.Duration, error) {
	job.LastError = cause.Error()

	if retryable && job.Attempts < job.MaxAttempts {
		delay := Backoff(job.Backoff, job.Attempts, q.cfg.BackoffMax)
		if err := q.save(ctx, job, 0); err != nil {
			return 0, err
		}
		due := time.Now().Add(delay).UnixMilli()
		_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, q.key("active"), 1, job.ID)
			p.Del(ctx, q.leaseKey(job.ID))
			p.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due), Member: job.ID})
			return nil
		})
		return delay, err
	}

	now := time.Now().UTC()
	job.FailedAt = &now
	if err := q.save(ctx, job, q.cfg.FailedTTL); err != nil {
		return 0, err
	}
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("active"), 1, job.ID)
		p.Del(ctx, q.leaseKey(job.ID))
		p.LPush(ctx, q.key("failed", "ids"), job.ID)
		p.LTrim(ctx, q.key("failed", "ids"), 0, q.cfg.HistorySize-1)
		p.Incr(ctx, q.key("failed"))
		return nil
	})
	return 0, err
}

// RecoverActive puts active jobs whose lease has lapsed back on the waiting
// list. Jobs held by a live worker keep their lease and are left alone, so
// every replica may call it at start-up and periodically. LREM decides
// ownership, so concurrent recoverers never double-queue a job.
func (q *Queue) RecoverActive(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		held, err := q.client.Exists(ctx, q.leaseKey(id)).Result()
		if err != nil {
			return n, err
		}
		if held > 0 {
			continue
		}
		removed, err := q.client.LRem(ctx, q.key("active"), 1, id).Result()
		if err != nil {
			return n, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.key("waiting"), id).Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Counts returns the current queue sizes.
func (q *Queue) Counts(ctx context.Context) (*Counts, error) {
	var (
		waiting, active *redis.IntCmd
		delayed         *redis.IntCmd
		completed       *redis.StringCmd
		failed          *redis.StringCmd
	)
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, q.key("waiting"))
		active = p.LLen(ctx, q.key("active"))
		delayed = p.ZCard(ctx, q.key("delayed"))
		completed = p.Get(ctx, q.key("completed"))
		failed = p.Get(ctx, q.key("failed"))
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "failed to read queue counts")
	}

	counts := &Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}
	counts.Completed, _ = strconv.ParseInt(completed.Val(), 10, 64)
	counts.Failed, _ = strconv.ParseInt(failed.Val(), 10, 64)
	return counts, nil
}

// FailedJobs returns the most recent failed jobs, newest first.
func (q *Queue) FailedJobs(ctx context.Context, limit int64) ([]*Job, error) {
	ids, err := q.client.LRange(ctx, q.key("failed", "ids"), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, errors.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Backoff returns the delay before retry number attempt (1-based): base
// doubled per previous attempt, capped at max.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
