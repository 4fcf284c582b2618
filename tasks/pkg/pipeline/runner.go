package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/warehouse/tasks/pkg/metrics"
	"github.com/malbeclabs/warehouse/tasks/pkg/task"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Env    *task.Env
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Env == nil {
		return errors.New("env is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// State is the phase of the latest run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Status describes the latest run.
type Status struct {
	RunID     string    `json:"run_id,omitempty"`
	State     State     `json:"state"`
	Task      string    `json:"task,omitempty"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Runner runs tasks one after the other, stopping at the first failure.
type Runner struct {
	log   *slog.Logger
	clock clockwork.Clock
	env   *task.Env

	mu     sync.Mutex
	status Status
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		env:    cfg.Env,
		status: Status{State: StateIdle},
	}, nil
}

// Ready reports whether the last run succeeded.
func (r *Runner) Ready() bool {
	return r.Status().State == StateSucceeded
}

// Status returns a snapshot of the latest run.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) update(fn func(s *Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
}

// Run runs tasks in order. The error of the failing task is returned as is.
func (r *Runner) Run(ctx context.Context, tasks []*task.Task) error {
	runID := uuid.NewString()
	log := r.log.With("run_id", runID)
	env := r.env.WithLogger(log)

	start := r.clock.Now()
	r.update(func(s *Status) {
		*s = Status{RunID: runID, State: StateRunning, Total: len(tasks), StartedAt: start}
	})
	log.Info("pipeline: starting run", "tasks", len(tasks))

	for i, t := range tasks {
		r.update(func(s *Status) { s.Task = t.DisplayName() })
		if err := r.runTask(ctx, env, t); err != nil {
			metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
			r.update(func(s *Status) {
				s.State = StateFailed
				s.Error = err.Error()
			})
			log.Error("pipeline: task failed", "index", i, "task", t.DisplayName(), "kind", t.Kind, "error", err)
			return err
		}
		r.update(func(s *Status) { s.Completed = i + 1 })
	}

	metrics.PipelineRunsTotal.WithLabelValues("success").Inc()
	r.update(func(s *Status) {
		s.State = StateSucceeded
		s.Task = ""
	})
	log.Info("pipeline: run completed", "tasks", len(tasks), "duration", r.clock.Since(start))
	return nil
}

func (r *Runner) runTask(ctx context.Context, env *task.Env, t *task.Task) error {
	span := sentry.StartSpan(ctx, "warehouse.task", sentry.WithDescription(t.DisplayName()))
	span.SetTag("kind", string(t.Kind))
	defer span.Finish()

	start := r.clock.Now()
	err := t.Run(span.Context(), env)
	metrics.TaskRunDuration.WithLabelValues(string(t.Kind)).Observe(r.clock.Since(start).Seconds())

	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		metrics.TaskRunsTotal.WithLabelValues(string(t.Kind), "error").Inc()
		return err
	}
	span.Status = sentry.SpanStatusOK
	metrics.TaskRunsTotal.WithLabelValues(string(t.Kind), "success").Inc()
	return nil
}
