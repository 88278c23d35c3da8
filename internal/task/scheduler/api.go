package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"wadispatch/internal/task/engine"
	logx "wadispatch/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// AddCron registers a cron spec under name, replacing any trigger with the
// same name.
func (s *Service) AddCron(name, spec string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("cron spec %q: %w", spec, err)
	}
	return s.AddSchedule(name, spec, sched, timeout, opt, job)
}

// AddInterval registers a fixed-period trigger. The first run is one period
// after registration.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be positive")
	}
	return s.AddSchedule(name, "@every "+every.String(), cron.Every(every), timeout, opt, job)
}

// AddSchedule is the upsert underneath AddCron and AddInterval. spec is only
// used for display.
func (s *Service) AddSchedule(name, spec string, sched cron.Schedule, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if sched == nil || job == nil {
		return errors.New("schedule and job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, sched: sched, timeout: timeout, job: job, opt: opt}
	s.defs[name] = d
	if s.c != nil {
		s.addEntryLocked(d)
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec),
		logx.Bool("replaced", replaced), logx.String("next", s.previewLocked(sched, 3)))
	return nil
}

// Remove unregisters name. It reports whether a trigger existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(name)
	if ok {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return ok
}

func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[name]
	return ok
}

// Next returns the upcoming and previous fire times for name. Before Start,
// next is computed from now and prev is zero.
func (s *Service) Next(name string) (next, prev time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	if s.c != nil && d.entryID != 0 {
		e := s.c.Entry(d.entryID)
		if e.Valid() {
			return e.Next, e.Prev, true
		}
	}
	return d.sched.Next(time.Now().In(s.loc)), time.Time{}, true
}

// Snapshot lists registered triggers sorted by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	names := make([]string, 0, len(s.defs))
	for n := range s.defs {
		names = append(names, n)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]ScheduleInfo, 0, len(names))
	for _, n := range names {
		next, prev, ok := s.Next(n)
		if !ok {
			continue
		}
		s.mu.Lock()
		d := s.defs[n]
		var info ScheduleInfo
		if d != nil {
			info = ScheduleInfo{Name: n, Spec: d.spec, Timeout: d.timeout, Next: next, Prev: prev}
		}
		s.mu.Unlock()
		if d != nil {
			out = append(out, info)
		}
	}
	return out
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) addEntryLocked(d *scheduleDef) {
	name, timeout, opt, job := d.name, d.timeout, d.opt, d.job
	sched := d.sched
	if !d.anchor.IsZero() {
		sched = anchoredSchedule{first: d.anchor, next: d.sched}
		d.anchor = time.Time{}
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() {
		s.fire(name, timeout, opt, job)
	}))
}

func (s *Service) fire(name string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) {
	s.log.Debug("schedule fired", logx.String("name", name))
	if s.exec == nil {
		return
	}
	err := s.exec.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: job, Opt: opt})
	s.reportEnqueueError(name, err)
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Info("schedule fired while previous run active; skipped", logx.String("schedule", name))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) previewLocked(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
