// Package browser drives WhatsApp Web in Chrome through the DevTools
// protocol. The Chrome profile directory is persistent, so the QR login is
// only needed once per profile.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"wadispatch/internal/domain"
	"wadispatch/internal/session"
	logx "wadispatch/pkg/logx"
)

type Driver struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "session.browser"))}
}

func (d *Driver) Name() string { return "browser" }

func (d *Driver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.UserDataDir(d.cfg.ProfileDir),
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	return opts
}

// Open starts Chrome, loads the client and waits for the chat list.
// The browser outlives ctx; it is torn down by Session.Close.
func (d *Driver) Open(ctx context.Context) (session.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &bsession{
		cfg:    d.cfg,
		log:    d.log,
		tab:    tabCtx,
		cancel: func() { tabCancel(); allocCancel() },
	}

	// the first Run binds the browser lifetime to tabCtx, not to a timeout
	if err := chromedp.Run(tabCtx); err != nil {
		s.cancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	started := time.Now()
	if err := s.run(ctx, d.cfg.LoginTimeout, chromedp.Navigate(d.cfg.URL)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("load %s: %w", d.cfg.URL, err)
	}
	d.log.Info("waiting for login", logx.Duration("timeout", d.cfg.LoginTimeout))
	if err := s.run(ctx, d.cfg.LoginTimeout, chromedp.WaitVisible(d.cfg.Selectors.ChatList, chromedp.BySearch)); err != nil {
		_ = s.Close()
		if errors.Is(err, session.ErrTimeout) {
			return nil, session.ErrLoginTimeout
		}
		return nil, err
	}
	d.log.Info("logged in", logx.Duration("took", time.Since(started)))
	return s, nil
}

type bsession struct {
	cfg Config
	log logx.Logger

	tab    context.Context
	cancel func()

	mu     sync.Mutex
	closed bool
}

// run executes actions on the tab bounded by timeout and by the caller's ctx.
// Deadline errors are reported as session.ErrTimeout.
func (s *bsession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return session.ErrClosed
	}

	rctx, cancel := context.WithTimeout(s.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", session.ErrTimeout, err)
	}
	return err
}

// Home reloads the client so no conversation, search text or draft from the
// previous recipient survives. A reload re-syncs the chat list, so it gets
// the login budget rather than WaitTimeout.
func (s *bsession) Home(ctx context.Context) error {
	return s.run(ctx, s.cfg.LoginTimeout, homeActions(s.cfg)...)
}

func homeActions(cfg Config) []chromedp.Action {
	return []chromedp.Action{
		chromedp.Navigate(cfg.URL),
		chromedp.WaitVisible(cfg.Selectors.ChatList, chromedp.BySearch),
	}
}

func (s *bsession) SearchAndOpen(ctx context.Context, r domain.Recipient) error {
	box := s.cfg.Selectors.SearchBox
	err := s.run(ctx, s.cfg.WaitTimeout,
		chromedp.WaitVisible(box, chromedp.BySearch),
		chromedp.Click(box, chromedp.BySearch),
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Backspace),
		chromedp.SendKeys(box, r.Name, chromedp.BySearch),
		chromedp.Sleep(s.cfg.SearchPause),
		chromedp.KeyEvent(kb.Enter),
	)
	if errors.Is(err, session.ErrTimeout) {
		return fmt.Errorf("%w: %s: %v", session.ErrRecipientNotFound, r.Name, err)
	}
	return err
}

// ConfirmOpen polls the conversation header until its title satisfies the
// matcher or the wait times out. A timeout is a negative answer, not an error.
func (s *bsession) ConfirmOpen(ctx context.Context, expectedName string) (bool, error) {
	deadline := time.Now().Add(s.cfg.WaitTimeout)
	var last string
	for {
		var title string
		var ok bool
		err := s.run(ctx, s.cfg.PollEvery*4,
			chromedp.AttributeValue(s.cfg.Selectors.Header, "title", &title, &ok, chromedp.BySearch))
		switch {
		case err == nil && ok:
			last = title
			if s.cfg.Matcher(title, expectedName) {
				return true, nil
			}
		case err != nil && !errors.Is(err, session.ErrTimeout):
			return false, err
		}
		if time.Now().After(deadline) {
			s.log.Debug("header did not match", logx.String("expected", expectedName), logx.String("shown", last))
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.cfg.PollEvery):
		}
	}
}

func (s *bsession) ClearCompose(ctx context.Context) error {
	field := s.cfg.Selectors.Compose
	return s.run(ctx, s.cfg.WaitTimeout,
		chromedp.WaitVisible(field, chromedp.BySearch),
		chromedp.Click(field, chromedp.BySearch),
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Backspace),
	)
}

// SendText types each line, Shift+Enter between lines and Enter after the
// last, so the client keeps the line breaks inside one message.
func (s *bsession) SendText(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	acts := make([]chromedp.Action, 0, 2*len(lines)+1)
	acts = append(acts, chromedp.WaitVisible(s.cfg.Selectors.Compose, chromedp.BySearch))
	for i, line := range lines {
		if line != "" {
			acts = append(acts, chromedp.KeyEvent(line))
		}
		if i < len(lines)-1 {
			acts = append(acts, chromedp.KeyEvent(kb.Enter, chromedp.KeyModifiers(input.ModifierShift)))
		} else {
			acts = append(acts, chromedp.KeyEvent(kb.Enter))
		}
	}
	return s.run(ctx, s.cfg.WaitTimeout, acts...)
}

func (s *bsession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = chromedp.Cancel(s.tab)
	s.cancel()
	s.log.Info("browser closed")
	return nil
}
