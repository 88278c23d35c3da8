package storage

import (
	"context"
	"errors"
	"time"

	"wadispatch/internal/domain"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "file": YAML address book + JSON Lines run log
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only
}

// Reader is the read-only view the dispatch pipeline consumes.
type Reader interface {
	ListContacts(ctx context.Context) ([]domain.Contact, error)
	// ListGroups returns every group and, per group id, the member numbers in
	// membership order.
	ListGroups(ctx context.Context) ([]domain.Group, map[int64][]string, error)
	// RandomTemplate draws one template of the category uniformly at random.
	// ok is false when the category is empty.
	RandomTemplate(ctx context.Context, c domain.Category) (t domain.Template, ok bool, err error)
}

// Store is the full persistence API.
type Store interface {
	Reader

	GetContact(ctx context.Context, id int64) (domain.Contact, error)
	GetGroup(ctx context.Context, id int64) (domain.Group, error)

	UpsertContact(ctx context.Context, name, number string) (domain.Contact, error)
	UpsertGroup(ctx context.Context, name string) (domain.Group, error)
	// AddMember adds the contact owning number to the group. Adding an
	// existing member is a no-op.
	AddMember(ctx context.Context, groupID int64, number string) error
	AddTemplate(ctx context.Context, t domain.Template) (domain.Template, error)
	CountTemplates(ctx context.Context) (map[domain.Category]int, error)

	AppendRun(ctx context.Context, r RunRecord) error
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}

// RunRecord is the persisted summary of one dispatch run.
type RunRecord struct {
	ID         string    `json:"id"`
	Selection  string    `json:"selection"`
	Interval   string    `json:"interval"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	Items      []RunItem `json:"items,omitempty"`
}

type RunItem struct {
	Name   string `json:"name"`
	Number string `json:"number"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
