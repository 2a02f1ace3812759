package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/metrics"
	"github.com/ferrants/ChaasKit-sub001/pkg/logging"
)

// Kind names a class of task for logs and metrics.
type Kind string

const (
	// KindConnectGlobal opens a global-pool connection at startup.
	KindConnectGlobal Kind = "connect_global"
	// KindWarmConnection opens a user or team connection after a credential
	// was written.
	KindWarmConnection Kind = "warm_connection"
)

// Task is a unit of fire-and-forget work. Tasks with the same Kind and Key
// are deduplicated.
type Task struct {
	Kind Kind
	Key  string
	Run  func(ctx context.Context) error
}

func (t Task) key() string {
	return string(t.Kind) + "/" + t.Key
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Option configures a Runner.
type Option func(*Runner)

// WithBackOff replaces the exponential backoff used between attempts.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(r *Runner) { r.newBackOff = newBackOff }
}

// Runner executes submitted tasks on a fixed set of workers, retrying
// failures with exponential backoff.
type Runner struct {
	cfg        config.TasksConfig
	queue      *queue
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. Zero values in cfg fall back to defaults.
func NewRunner(cfg config.TasksConfig, opts ...Option) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultTaskWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultTaskQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = config.DefaultTaskMaxAttempts
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = config.DefaultTaskMaxElapsed
	}

	r := &Runner{
		cfg:   cfg,
		queue: newQueue(cfg.QueueSize),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the workers. Tasks submitted before Start wait in the queue.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	logging.Debug("Tasks", "Started %d task workers", r.cfg.Workers)
}

// Submit queues t. It fails with ErrQueueFull instead of blocking.
func (r *Runner) Submit(t Task) error {
	if err := r.queue.add(t); err != nil {
		logging.Warn("Tasks", "Dropping task %s/%s: %v", t.Kind, t.Key, err)
		metrics.TasksTotal.WithLabelValues(string(t.Kind), "dropped").Inc()
		return err
	}
	metrics.TaskQueueDepth.Set(float64(r.queue.len()))
	return nil
}

// Stop cancels running tasks, stops the workers and waits for them.
func (r *Runner) Stop() {
	r.queue.shutdown()

	r.mu.Lock()
	cancel := r.cancel
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	for {
		t, ok := r.queue.get(ctx)
		if !ok {
			logging.Debug("Tasks", "Task worker %d stopping", id)
			return
		}
		metrics.TaskQueueDepth.Set(float64(r.queue.len()))
		r.process(ctx, t)
		r.queue.done(t)
	}
}

func (r *Runner) process(ctx context.Context, t Task) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, t.Run(ctx)
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)), // #nosec G115 -- MaxAttempts is positive
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.TaskRetriesTotal.WithLabelValues(string(t.Kind)).Inc()
			logging.Debug("Tasks", "Task %s/%s failed (attempt %d), retrying in %v: %v", t.Kind, t.Key, attempts, next, err)
		}),
	)

	metrics.TasksTotal.WithLabelValues(string(t.Kind), metrics.Result(err)).Inc()
	if err != nil {
		logging.Warn("Tasks", "Task %s/%s failed after %d attempts: %v", t.Kind, t.Key, attempts, err)
		return
	}
	logging.Debug("Tasks", "Task %s/%s completed", t.Kind, t.Key)
}
