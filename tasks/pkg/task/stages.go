package task

import (
	"context"
)

type runFunc func(ctx context.Context) error

// stage wraps next, the remaining stages and the core operation.
type stage func(ctx context.Context, env *Env, t *Task, next runFunc) error

// stages returns the stages of t, outermost first.
func (t *Task) stages(v *variant) []stage {
	stages := []stage{logStage}
	if v.expires {
		stages = append(stages, expireStage)
	}
	return stages
}

func compose(stages []stage, core runFunc) func(ctx context.Context, env *Env, t *Task) error {
	return func(ctx context.Context, env *Env, t *Task) error {
		run := core
		for i := len(stages) - 1; i >= 0; i-- {
			s, next := stages[i], run
			run = func(ctx context.Context) error { return s(ctx, env, t, next) }
		}
		return run(ctx)
	}
}

func logStage(ctx context.Context, env *Env, t *Task, next runFunc) error {
	name := t.DisplayName()
	start := env.clock.Now()
	env.log.Info("Starting "+name+"...", "task", name, "kind", t.Kind)
	if err := next(ctx); err != nil {
		return err
	}
	env.log.Info("Ended "+name, "task", name, "kind", t.Kind, "duration", env.clock.Since(start))
	return nil
}

func expireStage(ctx context.Context, env *Env, t *Task, next runFunc) error {
	if err := next(ctx); err != nil {
		return err
	}
	destinations, err := t.Destinations()
	if err != nil {
		return err
	}
	ttl := t.timeToLiveDays(env)
	for _, name := range destinations {
		if err := env.op.SetTimeToLive(ctx, name, ttl); err != nil {
			return err
		}
	}
	return nil
}
