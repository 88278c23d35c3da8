package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wadispatch/internal/task/engine"
	logx "wadispatch/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// Enqueuer accepts fired jobs. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	name    string
	spec    string // display form
	sched   cron.Schedule
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     engine.TaskOptions
	entryID cron.EntryID
	// anchor carries a pending fire time across a cron rebuild.
	anchor time.Time
}

// anchoredSchedule fires first at first, then follows next.
type anchoredSchedule struct {
	first time.Time
	next  cron.Schedule
}

func (a anchoredSchedule) Next(t time.Time) time.Time {
	if t.Before(a.first) {
		return a.first
	}
	return a.next.Next(t)
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	exec Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}
