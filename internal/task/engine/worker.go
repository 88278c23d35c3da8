package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"wadispatch/internal/eventbus"
	logx "wadispatch/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	s.log.Debug("task started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+qt.opt.RetryMax; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt > qt.opt.RetryMax {
			break
		}
		delay := backoffDelay(qt.opt, attempt)
		s.log.Warn("task retry scheduled", logx.String("task", qt.task.Name),
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			err = ErrStopping
			break attemptLoop
		case <-time.After(delay):
		}
	}

	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay,
		Duration: time.Since(start), Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Err(err),
			logx.Duration("dur", item.Duration), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Attempts: attempts, Error: item.Error})
	} else {
		s.log.Info("task completed", logx.String("task", qt.task.Name),
			logx.Duration("dur", item.Duration), logx.Int("attempts", attempts))
	}
	// release before recording so an observer of the history can re-enqueue
	if qt.state != nil {
		qt.state.release()
	}
	s.record(item)
}

// runAttempt runs the task once with its timeout, turning a panic into an
// error so one bad task cannot kill the worker.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelay(opt TaskOptions, retry int) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= opt.RetryMaxDelay {
			return opt.RetryMaxDelay
		}
	}
	return min(d, opt.RetryMaxDelay)
}
