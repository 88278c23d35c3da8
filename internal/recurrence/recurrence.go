// Package recurrence turns (selection, interval) requests into either an
// immediate dispatch run or a single recurring trigger.
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wadispatch/internal/dispatch"
	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/task/engine"
	logx "wadispatch/pkg/logx"
)

// JobID is the name of the only recurring trigger. Scheduling again
// replaces it.
const JobID = "whatsapp_job"

// MonthlySpec fires at midnight on day 1 of every month.
const MonthlySpec = "0 0 0 1 * *"

var monthlyParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var ErrNotScheduled = errors.New("no recurring dispatch scheduled")

// Registry holds named triggers. Replace drops any previous trigger with id.
type Registry interface {
	Replace(id string, t Trigger, body func(ctx context.Context) error) error
	Remove(id string) bool
	Next(id string) (next, prev time.Time, ok bool)
}

type Resolver interface {
	Resolve(ctx context.Context, sel domain.Selection) ([]domain.Recipient, error)
}

type Runner interface {
	Run(ctx context.Context, recipients []domain.Recipient) (dispatch.Result, error)
}

// Origin says what started a run.
type Origin string

const (
	OriginManual    Origin = "manual"
	OriginScheduled Origin = "scheduled"
)

// Report describes a finished attempt, including ones that failed before a
// session was opened.
type Report struct {
	Origin    Origin
	Selection domain.Selection
	Interval  domain.Interval
	Result    dispatch.Result
	Err       error
}

type Reporter func(ctx context.Context, r Report)

// Task is the currently armed recurring dispatch.
type Task struct {
	Selection domain.Selection `json:"selection"`
	Interval  domain.Interval  `json:"interval"`
	Since     time.Time        `json:"since"`
	Next      time.Time        `json:"next"`
	Prev      time.Time        `json:"prev,omitempty"`
}

type Scheduler struct {
	reg      Registry
	resolver Resolver
	runner   Runner
	log      logx.Logger
	bus      eventbus.Bus
	report   Reporter
	now      func() time.Time

	mu     sync.Mutex
	active *Task
}

type Option func(*Scheduler)

func WithReporter(fn Reporter) Option { return func(s *Scheduler) { s.report = fn } }
func WithBus(b eventbus.Bus) Option   { return func(s *Scheduler) { s.bus = b } }

func New(reg Registry, resolver Resolver, runner Runner, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		reg:      reg,
		resolver: resolver,
		runner:   runner,
		log:      log.With(logx.String("comp", "recurrence")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Trigger is a parsed schedule plus the spec it is displayed as.
type Trigger struct {
	Spec     string
	Schedule cron.Schedule
}

// ScheduleFor maps a recurring interval to its trigger.
func ScheduleFor(iv domain.Interval) (Trigger, error) {
	switch iv {
	case domain.Daily:
		return every(24 * time.Hour), nil
	case domain.Weekly:
		return every(7 * 24 * time.Hour), nil
	case domain.Monthly:
		sched, err := monthlyParser.Parse(MonthlySpec)
		if err != nil {
			return Trigger{}, err
		}
		return Trigger{Spec: MonthlySpec, Schedule: sched}, nil
	default:
		return Trigger{}, fmt.Errorf("%w: %s is not recurring", domain.ErrUnknownInterval, iv)
	}
}

func every(d time.Duration) Trigger {
	return Trigger{Spec: "@every " + d.String(), Schedule: cron.Every(d)}
}

// Schedule runs sel now when iv is Immediate and returns the Result.
// Otherwise it arms the recurring trigger and returns nil. Either way any
// previously armed trigger is superseded. Recipients are resolved when the trigger fires, so store
// edits between runs are picked up.
func (s *Scheduler) Schedule(ctx context.Context, sel domain.Selection, iv domain.Interval) (*dispatch.Result, error) {
	if sel.IsZero() {
		return nil, domain.ErrInvalidSelection
	}
	if iv == domain.Immediate {
		s.disarm("superseded by immediate run")
		res, err := s.runOnce(ctx, OriginManual, sel, iv)
		return &res, err
	}

	trig, err := ScheduleFor(iv)
	if err != nil {
		return nil, err
	}
	body := func(ctx context.Context) error {
		res, err := s.runOnce(ctx, OriginScheduled, sel, iv)
		if err == nil {
			return nil
		}
		// Nothing sent yet: the engine may retry. Once messages went out a
		// retry would resend them.
		if res.Attempted() || errors.Is(err, domain.ErrContactNotFound) || errors.Is(err, domain.ErrGroupNotFound) {
			return engine.NoRetry(err)
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reg.Replace(JobID, trig, body); err != nil {
		return nil, fmt.Errorf("register %s: %w", JobID, err)
	}
	s.active = &Task{Selection: sel, Interval: iv, Since: s.now()}
	next, _, _ := s.reg.Next(JobID)
	s.log.Info("recurring dispatch scheduled",
		logx.String("selection", sel.String()), logx.String("interval", iv.String()), logx.Time("next", next))
	s.publishChange()
	return nil, nil
}

// Cancel disarms the recurring trigger. A run already executing finishes.
func (s *Scheduler) Cancel() error {
	if !s.disarm("recurring dispatch cancelled") {
		return ErrNotScheduled
	}
	return nil
}

// disarm removes the trigger and reports whether anything was armed.
func (s *Scheduler) disarm(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.reg.Remove(JobID)
	had := s.active != nil
	s.active = nil
	if !removed && !had {
		return false
	}
	s.log.Info(reason)
	s.publishChange()
	return true
}

func (s *Scheduler) Active() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Task{}, false
	}
	t := *s.active
	if next, prev, ok := s.reg.Next(JobID); ok {
		t.Next, t.Prev = next, prev
	}
	return t, true
}

func (s *Scheduler) runOnce(ctx context.Context, origin Origin, sel domain.Selection, iv domain.Interval) (dispatch.Result, error) {
	recipients, err := s.resolver.Resolve(ctx, sel)
	var res dispatch.Result
	if err != nil {
		err = fmt.Errorf("resolve %s: %w", sel, err)
		s.log.Warn("recipient resolution failed", logx.String("origin", string(origin)), logx.Err(err))
	} else {
		res, err = s.runner.Run(ctx, recipients)
	}
	if s.report != nil {
		s.report(ctx, Report{Origin: origin, Selection: sel, Interval: iv, Result: res, Err: err})
	}
	return res, err
}

func (s *Scheduler) publishChange() {
	if s.bus == nil {
		return
	}
	var data any
	if s.active != nil {
		data = *s.active
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleChanged, Time: s.now(), Data: data})
}
