// Package scheduler fires periodic work on cron specs. Every tick is guarded
// by a redis lock so that one replica acts on it.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chama/internal/queue"
	"chama/pkg/errors"
	"chama/pkg/logger"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const registryKey = "scheduler:schedules"

// Enqueuer puts a job on the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts queue.Options) (string, error)
}

// Func runs on each tick that this replica wins.
type Func func(ctx context.Context, tick time.Time) error

// Entry is a repeatable job persisted in redis.
type Entry struct {
	Name      string          `json:"name"`
	Spec      string          `json:"spec"`
	JobType   string          `json:"job_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Scheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	client   *redis.Client
	locker   *redislock.Client
	enqueuer Enqueuer
	logger   logger.Logger
	lockTTL  time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(client *redis.Client, enqueuer Enqueuer, log logger.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		client:   client,
		locker:   redislock.New(client),
		enqueuer: enqueuer,
		logger:   log,
		lockTTL:  time.Minute,
		entries:  make(map[string]cron.EntryID),
	}
}

// RegisterPeriodic runs fn on every tick of spec. Registering an existing
// name replaces its schedule.
func (s *Scheduler) RegisterPeriodic(name, spec string, fn Func) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrInvalidSchedule, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(name, spec, fn)
	}))
	s.entries[name] = id

	s.logger.Info("Registered periodic job", map[string]interface{}{
		"name": name,
		"spec": spec,
		"next": s.cron.Entry(id).Next,
	})
	return nil
}

// fire takes the per-tick lock and runs fn if this replica won it.
func (s *Scheduler) fire(name, spec string, fn Func) {
	tick := time.Now().UTC().Truncate(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL)
	defer cancel()

	key := fmt.Sprintf("lock:schedule:%s:%d", name, tick.Unix())
	// Held until expiry: the key is per tick, so releasing it would let a
	// replica with a late clock fire the same tick again.
	_, err := s.locker.Obtain(ctx, key, s.lockTTL, nil)
	if err == redislock.ErrNotObtained {
		s.logger.Debug("Tick taken by another replica", map[string]interface{}{"name": name})
		return
	}
	if err != nil {
		s.logger.Error("Failed to obtain schedule lock", map[string]interface{}{
			"name":  name,
			"error": err,
		})
		return
	}

	if err := fn(ctx, tick); err != nil {
		s.logger.Error("Periodic job failed", map[string]interface{}{
			"name":  name,
			"spec":  spec,
			"error": err,
		})
	}
}

// Schedule persists a repeatable job and registers it. Each tick enqueues
// jobType with payload under a job id unique to the tick.
func (s *Scheduler) Schedule(ctx context.Context, name, spec, jobType string, payload interface{}) (*Entry, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrInvalidSchedule, spec, err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode schedule payload")
	}
	entry := &Entry{
		Name:      name,
		Spec:      spec,
		JobType:   jobType,
		Payload:   raw,
		UpdatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := s.client.HSet(ctx, registryKey, name, data).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to persist schedule")
	}

	if err := s.RegisterPeriodic(name, spec, s.enqueueFunc(entry)); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Scheduler) enqueueFunc(entry *Entry) Func {
	return func(ctx context.Context, tick time.Time) error {
		jobID := fmt.Sprintf("%s:%d", entry.Name, tick.Unix())
		_, err := s.enqueuer.Enqueue(ctx, entry.JobType, entry.Payload, queue.Options{JobID: jobID})
		if err != nil {
			return err
		}
		s.logger.Info("Scheduled job enqueued", map[string]interface{}{
			"name":     entry.Name,
			"job_type": entry.JobType,
			"job_id":   jobID,
		})
		return nil
	}
}

// Restore registers every persisted schedule. Entries that no longer parse
// are logged and skipped.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, entry := range entries {
		if err := s.RegisterPeriodic(entry.Name, entry.Spec, s.enqueueFunc(entry)); err != nil {
			s.logger.Error("Failed to restore schedule", map[string]interface{}{
				"name":  entry.Name,
				"error": err,
			})
			continue
		}
		restored++
	}
	return restored, nil
}

// List returns the persisted schedules.
func (s *Scheduler) List(ctx context.Context) ([]*Entry, error) {
	raw, err := s.client.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load schedules")
	}

	entries := make([]*Entry, 0, len(raw))
	for name, data := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			s.logger.Warn("Skipping unreadable schedule", map[string]interface{}{
				"name":  name,
				"error": err,
			})
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Next reports the next fire time of a registered schedule.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", nil)
}

// Stop halts new ticks and waits for running ones.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped", nil)
}
