package recurrence

import (
	"context"
	"time"

	"wadispatch/internal/task/engine"
	"wadispatch/internal/task/scheduler"
)

// TaskRegistry binds Registry to the cron trigger service. Fired bodies run
// on the task engine with overlap skipping, so a slow run is never stacked.
type TaskRegistry struct {
	Sched   *scheduler.Service
	Timeout time.Duration
	Opt     engine.TaskOptions
}

func (r TaskRegistry) Replace(id string, t Trigger, body func(ctx context.Context) error) error {
	opt := r.Opt
	opt.Overlap = engine.OverlapSkipIfRunning
	return r.Sched.AddSchedule(id, t.Spec, t.Schedule, r.Timeout, opt, body)
}

func (r TaskRegistry) Remove(id string) bool { return r.Sched.Remove(id) }

func (r TaskRegistry) Next(id string) (time.Time, time.Time, bool) { return r.Sched.Next(id) }
