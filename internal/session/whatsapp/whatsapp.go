// Package whatsapp sends through the WhatsApp multi-device protocol with a
// linked-device session kept in SQLite. The first Open prints a QR code to
// link the device; later runs reuse the stored credentials.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wadispatch/internal/domain"
	"wadispatch/internal/session"
	logx "wadispatch/pkg/logx"
)

type Config struct {
	StorePath    string
	LoginTimeout time.Duration
	QROut        io.Writer
	Matcher      session.Matcher
}

type Driver struct {
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	container *sqlstore.Container
}

func New(cfg Config, log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.StorePath) == "" {
		cfg.StorePath = "data/whatsapp.db"
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 60 * time.Second
	}
	if cfg.QROut == nil {
		cfg.QROut = os.Stdout
	}
	if cfg.Matcher == nil {
		cfg.Matcher = session.ExactMatch
	}
	return &Driver{cfg: cfg, log: log.With(logx.String("comp", "session.whatsapp"))}
}

func (d *Driver) Name() string { return "whatsapp" }

func (d *Driver) store(ctx context.Context) (*sqlstore.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container != nil {
		return d.container, nil
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.StorePath), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + d.cfg.StorePath + "?_foreign_keys=on"
	c, err := sqlstore.New(ctx, "sqlite3", dsn, waLogger{log: d.log.With(logx.String("sub", "store"))})
	if err != nil {
		return nil, fmt.Errorf("whatsapp store: %w", err)
	}
	d.container = c
	return c, nil
}

// Open connects the linked device, pairing through a QR code first when the
// store has no credentials.
func (d *Driver) Open(ctx context.Context) (session.Session, error) {
	container, err := d.store(ctx)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLogger{log: d.log.With(logx.String("sub", "client"))})
	ready := make(chan struct{}, 1)
	client.AddEventHandler(func(evt any) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})

	lctx, cancel := context.WithTimeout(ctx, d.cfg.LoginTimeout)
	defer cancel()

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(lctx)
		if err != nil {
			return nil, fmt.Errorf("whatsapp qr: %w", err)
		}
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("whatsapp connect: %w", err)
		}
		d.log.Info("device not linked; scan the QR code with the phone")
		if err := d.awaitPairing(lctx, qr); err != nil {
			client.Disconnect()
			return nil, err
		}
	} else if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("whatsapp connect: %w", err)
	}

	select {
	case <-ready:
	case <-lctx.Done():
		client.Disconnect()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, session.ErrLoginTimeout
	}
	d.log.Info("connected", logx.String("device", client.Store.ID.String()))
	return &wsession{client: client, cfg: d.cfg, log: d.log}, nil
}

func (d *Driver) awaitPairing(ctx context.Context, qr <-chan whatsmeow.QRChannelItem) error {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return session.ErrLoginTimeout
			}
			return ctx.Err()
		case evt, ok := <-qr:
			if !ok {
				return session.ErrLoginTimeout
			}
			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, d.cfg.QROut)
			case whatsmeow.QRChannelSuccess.Event:
				d.log.Info("device linked")
				return nil
			case whatsmeow.QRChannelTimeout.Event:
				return session.ErrLoginTimeout
			case whatsmeow.QRChannelEventError:
				return fmt.Errorf("whatsapp pairing: %w", evt.Error)
			}
		}
	}
}

type wsession struct {
	client *whatsmeow.Client
	cfg    Config
	log    logx.Logger

	mu     sync.Mutex
	target types.JID
	name   string
	closed bool
}

func (s *wsession) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return session.ErrClosed
	}
	return nil
}

// Home is a no-op: there is no navigation state between recipients.
func (s *wsession) Home(ctx context.Context) error { return s.live() }

func (s *wsession) SearchAndOpen(ctx context.Context, r domain.Recipient) error {
	if err := s.live(); err != nil {
		return err
	}
	phone := PhoneQuery(r.Number)
	if phone == "" {
		return fmt.Errorf("%w: %s has no usable number", session.ErrRecipientNotFound, r.Name)
	}
	res, err := s.client.IsOnWhatsApp(ctx, []string{phone})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: lookup %s", session.ErrTimeout, r.Name)
		}
		return err
	}
	for _, item := range res {
		if item.IsIn {
			s.mu.Lock()
			s.target = item.JID
			s.name = r.Name
			s.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not on WhatsApp", session.ErrRecipientNotFound, r.Name)
}

// ConfirmOpen compares the expected name with the address-book name synced
// from the phone. A number with no address-book entry is accepted, since the
// number itself identified the chat.
func (s *wsession) ConfirmOpen(ctx context.Context, expectedName string) (bool, error) {
	if err := s.live(); err != nil {
		return false, err
	}
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if target.IsEmpty() {
		return false, nil
	}
	info, err := s.client.Store.Contacts.GetContact(ctx, target)
	if err != nil {
		return false, err
	}
	shown := DisplayName(info)
	if shown == "" {
		return true, nil
	}
	return s.cfg.Matcher(shown, expectedName), nil
}

func (s *wsession) ClearCompose(ctx context.Context) error { return s.live() }

func (s *wsession) SendText(ctx context.Context, lines []string) error {
	if err := s.live(); err != nil {
		return err
	}
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if target.IsEmpty() {
		return session.ErrRecipientNotFound
	}
	_, err := s.client.SendMessage(ctx, target, &waE2E.Message{
		Conversation: proto.String(strings.Join(lines, "\n")),
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: send: %v", session.ErrTimeout, err)
	}
	return err
}

func (s *wsession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.Disconnect()
	s.log.Info("disconnected")
	return nil
}

// PhoneQuery normalizes a stored number to the "+digits" form the lookup
// expects. It returns "" when no digits remain.
func PhoneQuery(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

// DisplayName picks the best name the phone's address book knows.
func DisplayName(info types.ContactInfo) string {
	if !info.Found {
		return ""
	}
	for _, n := range []string{info.FullName, info.FirstName, info.BusinessName, info.PushName} {
		if strings.TrimSpace(n) != "" {
			return n
		}
	}
	return ""
}
