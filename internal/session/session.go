// Package session defines the chat-client capability the dispatch engine
// drives: open an authenticated session, find a conversation, confirm it is
// the right one and type a message into it.
//
// Backends live in subpackages: browser (WhatsApp Web through Chrome),
// whatsapp (multi-device protocol client) and dryrun.
package session

import (
	"context"
	"errors"
	"strings"

	"wadispatch/internal/domain"
)

var (
	ErrLoginTimeout      = errors.New("session login timed out")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrTimeout           = errors.New("session wait timed out")
	ErrHeaderMismatch    = errors.New("open chat does not match recipient")
	ErrClosed            = errors.New("session closed")
)

// Driver opens sessions. Open blocks until the chat list is usable or fails
// with ErrLoginTimeout.
type Driver interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

// Session is one authenticated connection. Operations are called in order
// for each recipient: Home, SearchAndOpen, ConfirmOpen, ClearCompose,
// SendText. Close must be safe to call more than once.
type Session interface {
	Home(ctx context.Context) error
	SearchAndOpen(ctx context.Context, r domain.Recipient) error
	// ConfirmOpen reports whether the open conversation belongs to
	// expectedName according to the backend's Matcher.
	ConfirmOpen(ctx context.Context, expectedName string) (bool, error)
	ClearCompose(ctx context.Context) error
	// SendText types lines with a line break between them and sends once.
	SendText(ctx context.Context, lines []string) error
	Close() error
}

// Matcher compares the name the client shows with the expected name.
type Matcher func(shown, expected string) bool

// ExactMatch is the default rule: byte-for-byte equality.
func ExactMatch(shown, expected string) bool { return shown == expected }

// FoldMatch ignores case and collapses whitespace.
func FoldMatch(shown, expected string) bool {
	norm := func(s string) string { return strings.Join(strings.Fields(s), " ") }
	return strings.EqualFold(norm(shown), norm(expected))
}

// MatcherByName maps config values to matchers; unknown names get ExactMatch.
func MatcherByName(name string) Matcher {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fold", "loose", "casefold":
		return FoldMatch
	default:
		return ExactMatch
	}
}
