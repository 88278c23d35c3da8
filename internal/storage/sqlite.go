package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wadispatch/internal/domain"
	logx "wadispatch/pkg/logx"
)

//go:embed migrations.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListContacts(ctx context.Context) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, number FROM friend ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Number); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]domain.Group, map[int64][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM grp ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	var groups []domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			rows.Close()
			return nil, nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Close(); err != nil {
		return nil, nil, err
	}

	members := make(map[int64][]string, len(groups))
	mrows, err := s.db.QueryContext(ctx,
		`SELECT gm.group_id, f.number FROM group_member gm
		 JOIN friend f ON f.id = gm.friend_id
		 ORDER BY gm.group_id, gm.id`)
	if err != nil {
		return nil, nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var gid int64
		var number string
		if err := mrows.Scan(&gid, &number); err != nil {
			return nil, nil, err
		}
		members[gid] = append(members[gid], number)
	}
	return groups, members, mrows.Err()
}

func (s *sqliteStore) RandomTemplate(ctx context.Context, c domain.Category) (domain.Template, bool, error) {
	var t domain.Template
	var cat string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, category, content, is_image FROM template WHERE category = ? ORDER BY RANDOM() LIMIT 1`,
		string(c)).Scan(&t.ID, &cat, &t.Content, &t.IsImage)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Template{}, false, nil
	}
	if err != nil {
		return domain.Template{}, false, err
	}
	t.Category = domain.Category(cat)
	return t, true, nil
}

func (s *sqliteStore) GetContact(ctx context.Context, id int64) (domain.Contact, error) {
	var c domain.Contact
	err := s.db.QueryRowContext(ctx, `SELECT id, name, number FROM friend WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Number)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Contact{}, fmt.Errorf("%w: id %d", domain.ErrContactNotFound, id)
	}
	return c, err
}

func (s *sqliteStore) GetGroup(ctx context.Context, id int64) (domain.Group, error) {
	var g domain.Group
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM grp WHERE id = ?`, id).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Group{}, fmt.Errorf("%w: id %d", domain.ErrGroupNotFound, id)
	}
	return g, err
}

func (s *sqliteStore) UpsertContact(ctx context.Context, name, number string) (domain.Contact, error) {
	number = normalizeNumber(number)
	c := domain.Contact{Name: strings.TrimSpace(name), Number: number}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO friend(name, number) VALUES(?, ?)
		 ON CONFLICT(number) DO UPDATE SET name = excluded.name
		 RETURNING id`, c.Name, c.Number).Scan(&c.ID)
	return c, err
}

func (s *sqliteStore) UpsertGroup(ctx context.Context, name string) (domain.Group, error) {
	g := domain.Group{Name: strings.TrimSpace(name)}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO grp(name) VALUES(?)
		 ON CONFLICT(name) DO UPDATE SET name = excluded.name
		 RETURNING id`, g.Name).Scan(&g.ID)
	return g, err
}

func (s *sqliteStore) AddMember(ctx context.Context, groupID int64, number string) error {
	number = normalizeNumber(number)
	var fid int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM friend WHERE number = ?`, number).Scan(&fid)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: number %s", domain.ErrContactNotFound, number)
	}
	if err != nil {
		return err
	}
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO group_member(group_id, friend_id) VALUES(?, ?) ON CONFLICT DO NOTHING`, groupID, fid)
	return err
}

func (s *sqliteStore) AddTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	if _, err := domain.ParseCategory(string(t.Category)); err != nil {
		return domain.Template{}, err
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO template(category, content, is_image) VALUES(?, ?, ?) RETURNING id`,
		string(t.Category), t.Content, t.IsImage).Scan(&t.ID)
	return t, err
}

func (s *sqliteStore) CountTemplates(ctx context.Context) (map[domain.Category]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM template GROUP BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.Category]int, 3)
	for _, c := range domain.Categories() {
		out[c] = 0
	}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[domain.Category(cat)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dispatch_run(id, selection, cadence, origin, started_at, finished_at, total, sent, skipped, failed, err, items)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Selection, r.Interval, r.Trigger,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
		r.Total, r.Sent, r.Skipped, r.Failed, nullStr(r.Error), string(items))
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, selection, cadence, origin, started_at, finished_at, total, sent, skipped, failed, err, items
		 FROM dispatch_run ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		var errStr, items sql.NullString
		if err := rows.Scan(&r.ID, &r.Selection, &r.Interval, &r.Trigger, &started, &finished,
			&r.Total, &r.Sent, &r.Skipped, &r.Failed, &errStr, &items); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		r.Error = errStr.String
		if items.Valid && items.String != "" {
			if err := json.Unmarshal([]byte(items.String), &r.Items); err != nil {
				s.log.Debug("run items decode failed", logx.String("run", r.ID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
