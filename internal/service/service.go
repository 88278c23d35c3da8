// Package service is the single entry point the operator surfaces (telegram
// console, HTTP API, CLI) use to inspect the address book and start or stop
// dispatches.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"wadispatch/internal/dispatch"
	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/message"
	"wadispatch/internal/recipient"
	"wadispatch/internal/recurrence"
	"wadispatch/internal/session"
	"wadispatch/internal/storage"
	logx "wadispatch/pkg/logx"
)

// ErrNotReady means the address book has neither contacts nor groups.
var ErrNotReady = errors.New("add at least one contact or group first")

const recordTimeout = 10 * time.Second

type Deps struct {
	Store    storage.Store
	Driver   session.Driver
	Registry recurrence.Registry
	Log      logx.Logger
	Bus      eventbus.Bus

	// EngineOptions are passed through to dispatch.New.
	EngineOptions []dispatch.Option
}

type Service struct {
	store  storage.Store
	driver session.Driver
	engine *dispatch.Engine
	rec    *recurrence.Scheduler
	log    logx.Logger
}

func New(cfg dispatch.Config, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:  d.Store,
		driver: d.Driver,
		log:    log.With(logx.String("comp", "service")),
	}
	s.engine = dispatch.New(cfg, d.Driver, message.NewSelector(d.Store), log, d.Bus, d.EngineOptions...)
	s.rec = recurrence.New(d.Registry, recipient.NewResolver(d.Store), s.engine, log,
		recurrence.WithBus(d.Bus), recurrence.WithReporter(s.record))
	return s
}

// Apply updates dispatch settings for the next run.
func (s *Service) Apply(cfg dispatch.Config) { s.engine.Apply(cfg) }

// Schedule starts a dispatch for sel. Immediate runs block until done and
// return the Result; recurring intervals replace the armed job and return nil.
func (s *Service) Schedule(ctx context.Context, sel domain.Selection, iv domain.Interval) (*dispatch.Result, error) {
	ok, err := s.Ready(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotReady
	}
	return s.rec.Schedule(ctx, sel, iv)
}

func (s *Service) Cancel() error { return s.rec.Cancel() }

type Status struct {
	Driver string             `json:"driver"`
	Active bool               `json:"active"`
	Task   *recurrence.Task   `json:"task,omitempty"`
	Policy dispatch.Policy    `json:"on_error"`
	Last   *storage.RunRecord `json:"last_run,omitempty"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{Driver: s.driver.Name(), Policy: s.engine.Config().OnError}
	if t, ok := s.rec.Active(); ok {
		st.Active = true
		st.Task = &t
	}
	runs, err := s.store.RecentRuns(ctx, 1)
	if err != nil {
		return st, err
	}
	if len(runs) > 0 {
		st.Last = &runs[0]
	}
	return st, nil
}

func (s *Service) Contacts(ctx context.Context) ([]domain.Contact, error) {
	return s.store.ListContacts(ctx)
}

// GroupView is a group with its members resolved to contacts.
type GroupView struct {
	domain.Group
	Members []domain.Recipient `json:"members"`
}

func (s *Service) Groups(ctx context.Context) ([]GroupView, error) {
	groups, _, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	res := recipient.NewResolver(s.store)
	out := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		members, err := res.Resolve(ctx, domain.GroupSelection(g.ID))
		if err != nil {
			return nil, err
		}
		out = append(out, GroupView{Group: g, Members: members})
	}
	return out, nil
}

func (s *Service) RecentRuns(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.RecentRuns(ctx, limit)
}

// Ready reports whether there is anything to send to.
func (s *Service) Ready(ctx context.Context) (bool, error) {
	contacts, err := s.store.ListContacts(ctx)
	if err != nil {
		return false, err
	}
	if len(contacts) > 0 {
		return true, nil
	}
	groups, _, err := s.store.ListGroups(ctx)
	if err != nil {
		return false, err
	}
	return len(groups) > 0, nil
}

func (s *Service) record(ctx context.Context, r recurrence.Report) {
	rec := toRecord(r)
	// the run ctx may already be cancelled; the audit row should still land
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.store.AppendRun(wctx, rec); err != nil {
		s.log.Warn("run audit write failed", logx.String("run", rec.ID), logx.Err(err))
	}
}

func toRecord(r recurrence.Report) storage.RunRecord {
	res := r.Result
	rec := storage.RunRecord{
		ID:         res.RunID,
		Selection:  r.Selection.String(),
		Interval:   r.Interval.String(),
		Trigger:    string(r.Origin),
		StartedAt:  res.Started,
		FinishedAt: res.Finished,
		Total:      res.Total,
		Sent:       res.Sent,
		Skipped:    res.Skipped,
		Failed:     res.Failed,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
		rec.FinishedAt = rec.StartedAt
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	for _, it := range res.Items {
		rec.Items = append(rec.Items, storage.RunItem{
			Name:   it.Recipient.Name,
			Number: it.Recipient.Number,
			Status: string(it.Status),
			Reason: it.Reason,
		})
	}
	return rec
}
