// Package dryrun is a session backend that logs instead of sending.
package dryrun

import (
	"context"
	"strings"
	"sync"

	"wadispatch/internal/domain"
	"wadispatch/internal/session"
	logx "wadispatch/pkg/logx"
)

type Driver struct {
	log logx.Logger
}

func New(log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{log: log.With(logx.String("comp", "session.dryrun"))}
}

func (d *Driver) Name() string { return "dryrun" }

func (d *Driver) Open(ctx context.Context) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.log.Info("session opened")
	return &dsession{log: d.log}, nil
}

type dsession struct {
	log logx.Logger

	mu      sync.Mutex
	current string
	closed  bool
}

func (s *dsession) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return session.ErrClosed
	}
	return nil
}

func (s *dsession) Home(ctx context.Context) error { return s.check() }

func (s *dsession) SearchAndOpen(ctx context.Context, r domain.Recipient) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = r.Name
	s.mu.Unlock()
	s.log.Debug("open chat", logx.String("name", r.Name), logx.String("number", r.Number))
	return nil
}

func (s *dsession) ConfirmOpen(ctx context.Context, expectedName string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.ExactMatch(s.current, expectedName), nil
}

func (s *dsession) ClearCompose(ctx context.Context) error { return s.check() }

func (s *dsession) SendText(ctx context.Context, lines []string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	to := s.current
	s.mu.Unlock()
	s.log.Info("would send", logx.String("to", to), logx.Int("lines", len(lines)),
		logx.String("text", strings.Join(lines, "\n")))
	return nil
}

func (s *dsession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.log.Info("session closed")
	}
	return nil
}
