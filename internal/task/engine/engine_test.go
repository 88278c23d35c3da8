package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"wadispatch/internal/eventbus"
	logx "wadispatch/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitHistory(t *testing.T, s *Service, n int) []HistoryItem {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h := s.Snapshot().History; len(h) >= n {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("history did not reach %d items", n)
	return nil
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	task := Task{Name: "dispatch", Run: func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitHistory(t, s, 1)

	// released after completion
	task.Run = func(context.Context) error { return nil }
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
	waitHistory(t, s, 2)
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{RetryMax: 2, RetryBase: time.Millisecond})

	var flaky atomic.Int32
	if err := s.Enqueue(Task{Name: "flaky", Run: func(context.Context) error {
		if flaky.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	h := waitHistory(t, s, 1)
	if h[0].Error != "" || h[0].Attempts != 3 {
		t.Fatalf("flaky history = %+v", h[0])
	}

	var permanent atomic.Int32
	if err := s.Enqueue(Task{Name: "permanent", Run: func(context.Context) error {
		permanent.Add(1)
		return NoRetry(errors.New("sent already"))
	}}); err != nil {
		t.Fatal(err)
	}
	h = waitHistory(t, s, 2)
	if permanent.Load() != 1 || h[1].Error != "sent already" {
		t.Fatalf("permanent runs=%d history=%+v", permanent.Load(), h[1])
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{RetryMax: 0})
	if err := s.Enqueue(Task{Name: "boom", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error {
		panic("boom")
	}}); err != nil {
		t.Fatal(err)
	}
	h := waitHistory(t, s, 1)
	if h[0].Error == "" {
		t.Fatal("panic should be recorded as error")
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := backoffDelay(opt, i+1); got != w {
			t.Fatalf("backoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}
