// Package dispatch drives one chat session through a list of recipients,
// sending each a freshly selected message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"wadispatch/internal/domain"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/message"
	"wadispatch/internal/session"
	logx "wadispatch/pkg/logx"
)

const DefaultSettleDelay = 2 * time.Second

// Policy decides what a per-recipient failure does to the rest of the run.
type Policy string

const (
	PolicySkip  Policy = "skip"
	PolicyAbort Policy = "abort"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyAbort:
		return PolicyAbort, nil
	default:
		return "", fmt.Errorf("unknown on_error policy %q", s)
	}
}

type Config struct {
	// SettleDelay is the pause after each send. 0 means DefaultSettleDelay,
	// negative disables it.
	SettleDelay time.Duration
	OnError     Policy
	// RatePerMinute caps recipients per minute. 0 disables pacing.
	RatePerMinute float64
}

func (c Config) withDefaults() Config {
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.OnError == "" {
		c.OnError = PolicySkip
	}
	return c
}

// Picker yields the message for the next recipient.
type Picker interface {
	Pick(ctx context.Context) (message.Message, error)
}

type Engine struct {
	driver session.Driver
	picker Picker
	log    logx.Logger
	bus    eventbus.Bus

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	// run is a one-slot semaphore so waiting for the previous run honours ctx.
	run chan struct{}

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

type Option func(*Engine)

// WithSleep replaces the settle-delay wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, driver session.Driver, picker Picker, log logx.Logger, bus eventbus.Bus, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		driver: driver,
		picker: picker,
		log:    log.With(logx.String("comp", "dispatch")),
		bus:    bus,
		sleep:  sleepCtx,
		now:    time.Now,
		run:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	e.Apply(cfg)
	return e
}

// Apply swaps settle delay, policy and pacing. A run in progress keeps the
// config it started with.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.RatePerMinute > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60), 1)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Run sends one message to every recipient in order over a single session.
//
// The returned error is non-nil when the run stopped early: session login
// failed, ctx ended, or a failure hit under PolicyAbort. The Result is
// always populated with what happened up to that point.
func (e *Engine) Run(ctx context.Context, recipients []domain.Recipient) (Result, error) {
	res := Result{RunID: uuid.NewString(), Started: e.now()}
	if len(recipients) == 0 {
		e.log.Info("no valid contacts found to send", logx.String("run", res.RunID))
		res.Finished = e.now()
		return res, nil
	}

	select {
	case e.run <- struct{}{}:
	case <-ctx.Done():
		return res, ctx.Err()
	}
	defer func() { <-e.run }()

	e.mu.RLock()
	cfg, lim := e.cfg, e.limiter
	e.mu.RUnlock()

	log := e.log.With(logx.String("run", res.RunID))
	log.Info("dispatch started", logx.Int("recipients", len(recipients)), logx.String("driver", e.driver.Name()))
	e.publish(eventbus.DispatchStarted, res)

	err := e.runLocked(ctx, log, cfg, lim, recipients, &res)
	res.Finished = e.now()
	if err != nil {
		res.Error = err.Error()
		log.Warn("dispatch stopped early", logx.String("summary", res.Summary()), logx.Err(err))
	} else {
		log.Info("dispatch finished", logx.String("summary", res.Summary()))
	}
	e.publish(eventbus.DispatchFinished, res)
	return res, err
}

func (e *Engine) runLocked(ctx context.Context, log logx.Logger, cfg Config, lim *rate.Limiter, recipients []domain.Recipient, res *Result) (err error) {
	sess, err := e.driver.Open(ctx)
	if err != nil {
		e.skipRest(res, recipients, "session unavailable")
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("session close failed", logx.Err(cerr))
		}
	}()

	for i, rc := range recipients {
		if lim != nil {
			if werr := lim.Wait(ctx); werr != nil {
				e.skipRest(res, recipients[i:], "run aborted")
				return ctxErr(ctx, werr)
			}
		}

		serr := e.sendOne(ctx, sess, rc)
		switch {
		case serr == nil:
			res.add(rc, StatusSent, "")
			log.Info("message sent", logx.String("to", rc.Name))
		case errors.Is(serr, domain.ErrNoTemplateAvailable):
			res.add(rc, StatusSkipped, serr.Error())
			log.Warn("no template available; recipient skipped", logx.String("to", rc.Name), logx.Err(serr))
			continue
		default:
			res.add(rc, StatusFailed, serr.Error())
			log.Warn("send failed", logx.String("to", rc.Name), logx.Err(serr))
			if fatal(ctx, serr) || cfg.OnError == PolicyAbort {
				e.skipRest(res, recipients[i+1:], "run aborted")
				return fmt.Errorf("%s: %w", rc.Name, serr)
			}
			continue
		}

		// The client needs a moment to flush the send before the next search
		// or the session close.
		if cfg.SettleDelay > 0 {
			if werr := e.sleep(ctx, cfg.SettleDelay); werr != nil {
				e.skipRest(res, recipients[i+1:], "run aborted")
				return ctxErr(ctx, werr)
			}
		}
	}
	return nil
}

func (e *Engine) sendOne(ctx context.Context, sess session.Session, rc domain.Recipient) error {
	msg, err := e.picker.Pick(ctx)
	if err != nil {
		return err
	}
	if err := sess.Home(ctx); err != nil {
		return fmt.Errorf("home: %w", err)
	}
	if err := sess.SearchAndOpen(ctx, rc); err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	ok, err := sess.ConfirmOpen(ctx, rc.Name)
	if err != nil {
		return fmt.Errorf("confirm chat: %w", err)
	}
	if !ok {
		return session.ErrHeaderMismatch
	}
	if err := sess.ClearCompose(ctx); err != nil {
		return fmt.Errorf("clear compose: %w", err)
	}
	if err := sess.SendText(ctx, msg.Lines()); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (e *Engine) skipRest(res *Result, rest []domain.Recipient, reason string) {
	for _, rc := range rest {
		res.add(rc, StatusSkipped, reason)
	}
}

func (e *Engine) publish(typ string, res Result) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: res})
}

// fatal errors end the run regardless of policy.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, session.ErrLoginTimeout) ||
		errors.Is(err, session.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
