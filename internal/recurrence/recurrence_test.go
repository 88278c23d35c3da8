package recurrence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"wadispatch/internal/dispatch"
	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/task/engine"
	logx "wadispatch/pkg/logx"
)

type fakeRegistry struct {
	mu     sync.Mutex
	jobs   map[string]cron.Schedule
	specs  map[string]string
	bodies map[string]func(context.Context) error
	adds   int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		jobs:   map[string]cron.Schedule{},
		specs:  map[string]string{},
		bodies: map[string]func(context.Context) error{},
	}
}

func (r *fakeRegistry) Replace(id string, t Trigger, body func(context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = t.Schedule
	r.specs[id] = t.Spec
	r.bodies[id] = body
	r.adds++
	return nil
}

func (r *fakeRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[id]
	delete(r.jobs, id)
	delete(r.specs, id)
	delete(r.bodies, id)
	return ok
}

func (r *fakeRegistry) Next(id string) (time.Time, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.jobs[id]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return s.Next(time.Now()), time.Time{}, true
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	out   []domain.Recipient
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, sel domain.Selection) ([]domain.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.out, f.err
}

type fakeRunner struct {
	mu   sync.Mutex
	runs [][]domain.Recipient
	res  dispatch.Result
	err  error
}

func (f *fakeRunner) Run(ctx context.Context, rs []domain.Recipient) (dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, rs)
	res := f.res
	res.Total = len(rs)
	return res, f.err
}

var alice = []domain.Recipient{{Name: "Alice", Number: "+1"}}

func TestImmediateRunsInlineAndRegistersNothing(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	runner := &fakeRunner{}
	var reports []Report
	s := New(reg, &fakeResolver{out: alice}, runner, logx.Nop(), WithReporter(func(ctx context.Context, r Report) {
		reports = append(reports, r)
	}))

	res, err := s.Schedule(context.Background(), domain.ContactSelection(1), domain.Immediate)
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.Total != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(runner.runs) != 1 || reg.adds != 0 {
		t.Fatalf("runs=%d registrations=%d", len(runner.runs), reg.adds)
	}
	if _, ok := s.Active(); ok {
		t.Fatal("Active reported a task after Immediate")
	}
	if len(reports) != 1 || reports[0].Origin != OriginManual {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestImmediateSupersedesRecurring(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	runner := &fakeRunner{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := New(reg, &fakeResolver{out: alice}, runner, logx.Nop(), WithBus(bus))
	ctx := context.Background()

	if _, err := s.Schedule(ctx, domain.GroupSelection(2), domain.Daily); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(ctx, domain.ContactSelection(1), domain.Immediate); err != nil {
		t.Fatal(err)
	}
	if len(reg.jobs) != 0 {
		t.Fatalf("registered jobs = %d after Immediate, want 0", len(reg.jobs))
	}
	if _, ok := s.Active(); ok {
		t.Fatal("recurring task still active after Immediate")
	}
	if len(runner.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runner.runs))
	}
	if err := s.Cancel(); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("Cancel after Immediate = %v, want ErrNotScheduled", err)
	}

	// armed, then disarmed
	var changes []any
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.ScheduleChanged {
			changes = append(changes, ev.Data)
		}
	}
	if len(changes) != 2 || changes[1] != nil {
		t.Fatalf("schedule changes = %v", changes)
	}
}

func TestRecurringReplacesPrevious(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	runner := &fakeRunner{}
	s := New(reg, &fakeResolver{out: alice}, runner, logx.Nop())
	ctx := context.Background()

	if res, err := s.Schedule(ctx, domain.ContactSelection(1), domain.Daily); err != nil || res != nil {
		t.Fatalf("Daily: res=%v err=%v", res, err)
	}
	if _, err := s.Schedule(ctx, domain.GroupSelection(2), domain.Weekly); err != nil {
		t.Fatal(err)
	}
	if len(reg.jobs) != 1 {
		t.Fatalf("registered jobs = %d, want 1", len(reg.jobs))
	}
	sched, ok := reg.jobs[JobID].(cron.ConstantDelaySchedule)
	if !ok || sched.Delay != 7*24*time.Hour {
		t.Fatalf("schedule = %#v, want every 168h", reg.jobs[JobID])
	}
	task, ok := s.Active()
	if !ok || task.Interval != domain.Weekly || task.Selection != domain.GroupSelection(2) {
		t.Fatalf("active = %+v, %v", task, ok)
	}
	if len(runner.runs) != 0 {
		t.Fatal("recurring schedule ran immediately")
	}
}

func TestFiredBodyResolvesAtFireTime(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	resolver := &fakeResolver{out: alice}
	runner := &fakeRunner{}
	s := New(reg, resolver, runner, logx.Nop())
	if _, err := s.Schedule(context.Background(), domain.ContactSelection(1), domain.Daily); err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 0 {
		t.Fatal("resolved at registration")
	}
	if err := reg.bodies[JobID](context.Background()); err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 1 || len(runner.runs) != 1 {
		t.Fatalf("resolves=%d runs=%d", resolver.calls, len(runner.runs))
	}
}

func TestFiredBodyRetryClassification(t *testing.T) {
	t.Parallel()

	loginErr := errors.New("login timed out")
	cases := []struct {
		name      string
		resolver  *fakeResolver
		runner    *fakeRunner
		wantRetry bool
	}{
		{"missing contact", &fakeResolver{err: domain.ErrContactNotFound}, &fakeRunner{}, false},
		{"login before any send", &fakeResolver{out: alice}, &fakeRunner{err: loginErr}, true},
		{"failure after send", &fakeResolver{out: alice}, &fakeRunner{
			err: errors.New("aborted"),
			res: dispatch.Result{Items: []dispatch.Item{{Status: dispatch.StatusSent}}},
		}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reg := newFakeRegistry()
			s := New(reg, tc.resolver, tc.runner, logx.Nop())
			if _, err := s.Schedule(context.Background(), domain.ContactSelection(1), domain.Monthly); err != nil {
				t.Fatal(err)
			}
			err := reg.bodies[JobID](context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if retry := !engine.IsNoRetry(err); retry != tc.wantRetry {
				t.Fatalf("retryable = %v, want %v (err %v)", retry, tc.wantRetry, err)
			}
		})
	}
}

func TestMonthlyFiresOnFirstAtMidnight(t *testing.T) {
	t.Parallel()

	trig, err := ScheduleFor(domain.Monthly)
	if err != nil {
		t.Fatal(err)
	}
	if trig.Spec != MonthlySpec {
		t.Fatalf("spec = %q", trig.Spec)
	}
	sched := trig.Schedule
	start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	end := start.Add(60 * 24 * time.Hour)
	var fires []time.Time
	for next := sched.Next(start); !next.After(end); next = sched.Next(next) {
		fires = append(fires, next)
	}
	if len(fires) != 2 {
		t.Fatalf("fires in 60 days = %v, want 2", fires)
	}
	for _, f := range fires {
		if f.Day() != 1 || f.Hour() != 0 || f.Minute() != 0 || f.Second() != 0 {
			t.Fatalf("fire at %v, want midnight on the 1st", f)
		}
	}
}

func TestScheduleForRejectsImmediate(t *testing.T) {
	t.Parallel()

	if _, err := ScheduleFor(domain.Immediate); !errors.Is(err, domain.ErrUnknownInterval) {
		t.Fatalf("err = %v", err)
	}
	d, _ := ScheduleFor(domain.Daily)
	if d.Schedule.(cron.ConstantDelaySchedule).Delay != 24*time.Hour || d.Spec != "@every 24h0m0s" {
		t.Fatalf("daily = %#v", d)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	s := New(reg, &fakeResolver{out: alice}, &fakeRunner{}, logx.Nop())
	if err := s.Cancel(); !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("Cancel with nothing armed = %v", err)
	}
	if _, err := s.Schedule(context.Background(), domain.ContactSelection(1), domain.Daily); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Active(); ok || len(reg.jobs) != 0 {
		t.Fatal("job still armed after Cancel")
	}
}

func TestScheduleRejectsZeroSelection(t *testing.T) {
	t.Parallel()

	s := New(newFakeRegistry(), &fakeResolver{}, &fakeRunner{}, logx.Nop())
	if _, err := s.Schedule(context.Background(), domain.Selection{}, domain.Immediate); !errors.Is(err, domain.ErrInvalidSelection) {
		t.Fatalf("err = %v", err)
	}
}
