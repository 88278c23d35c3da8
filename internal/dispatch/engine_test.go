package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/message"
	"wadispatch/internal/session"
	logx "wadispatch/pkg/logx"
)

type fakeDriver struct {
	mu      sync.Mutex
	opens   int
	openErr error
	sess    *fakeSession
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Open(ctx context.Context) (session.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.sess, nil
}

type fakeSession struct {
	mu       sync.Mutex
	calls    []string
	opened   []string
	sent     [][]string
	closes   int
	shown    map[string]string // recipient name -> header shown
	sendErrs map[string]error  // recipient name -> SendText error
	current  string
	block    chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{shown: map[string]string{}, sendErrs: map[string]error{}}
}

func (s *fakeSession) record(c string) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *fakeSession) Home(ctx context.Context) error { s.record("home"); return nil }

func (s *fakeSession) SearchAndOpen(ctx context.Context, r domain.Recipient) error {
	s.record("open " + r.Name)
	s.mu.Lock()
	s.opened = append(s.opened, r.Name)
	s.current = r.Name
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) ConfirmOpen(ctx context.Context, expected string) (bool, error) {
	s.record("confirm " + expected)
	s.mu.Lock()
	defer s.mu.Unlock()
	shown, ok := s.shown[s.current]
	if !ok {
		shown = s.current
	}
	return shown == expected, nil
}

func (s *fakeSession) ClearCompose(ctx context.Context) error { s.record("clear"); return nil }

func (s *fakeSession) SendText(ctx context.Context, lines []string) error {
	s.record("send")
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, lines)
	return s.sendErrs[s.current]
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return nil
}

type fakePicker struct {
	mu    sync.Mutex
	seq   []error
	calls int
}

func (p *fakePicker) Pick(ctx context.Context) (message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.seq) && p.seq[i] != nil {
		return message.Message{}, p.seq[i]
	}
	return message.Message{Text: message.Greeting(domain.CategoryQuote) + "Keep going.", Category: domain.CategoryQuote}, nil
}

type sleepLog struct {
	mu sync.Mutex
	ds []time.Duration
}

func (l *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	l.mu.Lock()
	l.ds = append(l.ds, d)
	l.mu.Unlock()
	return ctx.Err()
}

var aliceBob = []domain.Recipient{
	{Name: "Alice", Number: "+1"},
	{Name: "Bob", Number: "+2"},
}

func newEngine(cfg Config, drv *fakeDriver, p Picker, sl *sleepLog, bus eventbus.Bus) *Engine {
	return New(cfg, drv, p, logx.Nop(), bus, WithSleep(sl.sleep))
}

func TestRunEmptyOpensNoSession(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{sess: newFakeSession()}
	e := newEngine(Config{}, drv, &fakePicker{}, &sleepLog{}, nil)
	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if drv.opens != 0 {
		t.Fatalf("opens = %d, want 0", drv.opens)
	}
	if res.Total != 0 || res.RunID == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunSkipPolicyContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	sess.sendErrs["Bob"] = errors.New("compose box missing")
	drv := &fakeDriver{sess: sess}
	sl := &sleepLog{}
	e := newEngine(Config{}, drv, &fakePicker{}, sl, nil)

	res, err := e.Run(context.Background(), aliceBob)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if drv.opens != 1 || sess.closes != 1 {
		t.Fatalf("opens=%d closes=%d, want 1/1", drv.opens, sess.closes)
	}
	if got := strings.Join(sess.opened, ","); got != "Alice,Bob" {
		t.Fatalf("opened = %s", got)
	}
	if len(sess.sent) != 2 {
		t.Fatalf("sends = %d, want 2", len(sess.sent))
	}
	if res.Total != 2 || res.Sent != 1 || res.Failed != 1 || res.Skipped != 0 {
		t.Fatalf("result = %s", res.Summary())
	}
	if res.Items[1].Status != StatusFailed || !strings.Contains(res.Items[1].Reason, "compose box missing") {
		t.Fatalf("item[1] = %+v", res.Items[1])
	}
	if len(sl.ds) != 1 || sl.ds[0] != DefaultSettleDelay {
		t.Fatalf("settle sleeps = %v, want [2s]", sl.ds)
	}
}

func TestRunCallOrder(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	e := newEngine(Config{SettleDelay: -1}, &fakeDriver{sess: sess}, &fakePicker{}, &sleepLog{}, nil)
	if _, err := e.Run(context.Background(), aliceBob[:1]); err != nil {
		t.Fatal(err)
	}
	want := "home,open Alice,confirm Alice,clear,send"
	if got := strings.Join(sess.calls, ","); got != want {
		t.Fatalf("calls = %s, want %s", got, want)
	}
	lines := sess.sent[0]
	if len(lines) != 3 || lines[0] != "Assalamu alaikum! Here’s some motivation:" || lines[1] != "" || lines[2] != "Keep going." {
		t.Fatalf("lines = %q", lines)
	}
}

func TestRunAbortPolicy(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	sess.sendErrs["Alice"] = errors.New("boom")
	drv := &fakeDriver{sess: sess}
	e := newEngine(Config{OnError: PolicyAbort}, drv, &fakePicker{}, &sleepLog{}, nil)

	res, err := e.Run(context.Background(), aliceBob)
	if err == nil {
		t.Fatal("expected abort error")
	}
	if len(sess.opened) != 1 || sess.closes != 1 {
		t.Fatalf("opened=%v closes=%d", sess.opened, sess.closes)
	}
	if res.Failed != 1 || res.Skipped != 1 || res.Total != 2 || res.Error == "" {
		t.Fatalf("result = %s", res.Summary())
	}
}

func TestRunNoTemplateIsSkip(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	noTpl := fmt.Errorf("%w: category verse", domain.ErrNoTemplateAvailable)
	e := newEngine(Config{OnError: PolicyAbort}, &fakeDriver{sess: sess}, &fakePicker{seq: []error{noTpl}}, &sleepLog{}, nil)

	res, err := e.Run(context.Background(), aliceBob)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped != 1 || res.Sent != 1 {
		t.Fatalf("result = %s", res.Summary())
	}
	if got := strings.Join(sess.opened, ","); got != "Bob" {
		t.Fatalf("opened = %s, want Bob only", got)
	}
}

func TestRunHeaderMismatch(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	sess.shown["Alice"] = "Alice Smith"
	e := newEngine(Config{}, &fakeDriver{sess: sess}, &fakePicker{}, &sleepLog{}, nil)

	res, err := e.Run(context.Background(), aliceBob)
	if err != nil {
		t.Fatal(err)
	}
	if res.Items[0].Status != StatusFailed || !strings.Contains(res.Items[0].Reason, session.ErrHeaderMismatch.Error()) {
		t.Fatalf("item[0] = %+v", res.Items[0])
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sends = %d, want 1 (Bob only)", len(sess.sent))
	}
}

func TestRunLoginTimeout(t *testing.T) {
	t.Parallel()

	drv := &fakeDriver{openErr: session.ErrLoginTimeout}
	e := newEngine(Config{}, drv, &fakePicker{}, &sleepLog{}, nil)
	res, err := e.Run(context.Background(), aliceBob)
	if !errors.Is(err, session.ErrLoginTimeout) {
		t.Fatalf("err = %v, want ErrLoginTimeout", err)
	}
	if res.Skipped != 2 || res.Attempted() {
		t.Fatalf("result = %s", res.Summary())
	}
}

func TestRunIsSerialized(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	sess.block = make(chan struct{})
	e := newEngine(Config{SettleDelay: -1}, &fakeDriver{sess: sess}, &fakePicker{}, &sleepLog{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), aliceBob[:1])
		done <- err
	}()
	// wait for the first run to reach SendText
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess.mu.Lock()
		n := len(sess.calls)
		sess.mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first run did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := e.Run(ctx, aliceBob[1:]); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second run err = %v, want DeadlineExceeded", err)
	}
	close(sess.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	e := newEngine(Config{}, &fakeDriver{sess: newFakeSession()}, &fakePicker{}, &sleepLog{}, bus)
	if _, err := e.Run(context.Background(), aliceBob); err != nil {
		t.Fatal(err)
	}
	first, second := <-ch, <-ch
	if first.Type != eventbus.DispatchStarted || second.Type != eventbus.DispatchFinished {
		t.Fatalf("events = %s, %s", first.Type, second.Type)
	}
	if r, ok := second.Data.(Result); !ok || r.Sent != 2 {
		t.Fatalf("finished data = %#v", second.Data)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Policy
		ok   bool
	}{
		{"", PolicySkip, true},
		{"skip", PolicySkip, true},
		{" ABORT ", PolicyAbort, true},
		{"retry", "", false},
	}
	for _, tc := range cases {
		got, err := ParsePolicy(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", tc.in, got, err)
		}
	}
}
