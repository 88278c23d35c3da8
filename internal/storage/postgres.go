package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wadispatch/internal/domain"
	logx "wadispatch/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS friend (
    id     BIGSERIAL PRIMARY KEY,
    name   TEXT NOT NULL,
    number TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS grp (
    id   BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS group_member (
    id        BIGSERIAL PRIMARY KEY,
    group_id  BIGINT NOT NULL REFERENCES grp(id) ON DELETE CASCADE,
    friend_id BIGINT NOT NULL REFERENCES friend(id) ON DELETE CASCADE,
    UNIQUE (group_id, friend_id)
);
CREATE TABLE IF NOT EXISTS template (
    id       BIGSERIAL PRIMARY KEY,
    category TEXT NOT NULL CHECK (category IN ('quote', 'verse', 'hadith')),
    content  TEXT NOT NULL,
    is_image BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_template_category ON template(category);
CREATE TABLE IF NOT EXISTS dispatch_run (
    id          TEXT PRIMARY KEY,
    selection   TEXT NOT NULL,
    cadence     TEXT NOT NULL,
    origin      TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    total       INTEGER NOT NULL DEFAULT 0,
    sent        INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    err         TEXT,
    items       JSONB
);`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.String("host", pcfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) ListContacts(ctx context.Context) ([]domain.Contact, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, number FROM friend ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Contact, error) {
		var c domain.Contact
		err := r.Scan(&c.ID, &c.Name, &c.Number)
		return c, err
	})
}

func (s *postgresStore) ListGroups(ctx context.Context) ([]domain.Group, map[int64][]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM grp ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	groups, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Group, error) {
		var g domain.Group
		err := r.Scan(&g.ID, &g.Name)
		return g, err
	})
	if err != nil {
		return nil, nil, err
	}

	mrows, err := s.pool.Query(ctx,
		`SELECT gm.group_id, f.number FROM group_member gm
		 JOIN friend f ON f.id = gm.friend_id
		 ORDER BY gm.group_id, gm.id`)
	if err != nil {
		return nil, nil, err
	}
	defer mrows.Close()
	members := make(map[int64][]string, len(groups))
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

func (s *postgresStore) RandomTemplate(ctx context.Context, c domain.Category) (domain.Template, bool, error) {
	var t domain.Template
	var cat string
	err := s.pool.QueryRow(ctx,
		`SELECT id, category, content, is_image FROM template WHERE category = $1 ORDER BY random() LIMIT 1`,
		string(c)).Scan(&t.ID, &cat, &t.Content, &t.IsImage)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Template{}, false, nil
	}
	if err != nil {
		return domain.Template{}, false, err
	}
	t.Category = domain.Category(cat)
	return t, true, nil
}

func (s *postgresStore) GetContact(ctx context.Context, id int64) (domain.Contact, error) {
	var c domain.Contact
	err := s.pool.QueryRow(ctx, `SELECT id, name, number FROM friend WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Number)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contact{}, fmt.Errorf("%w: id %d", domain.ErrContactNotFound, id)
	}
	return c, err
}

func (s *postgresStore) GetGroup(ctx context.Context, id int64) (domain.Group, error) {
	var g domain.Group
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM grp WHERE id = $1`, id).Scan(&g.ID, &g.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Group{}, fmt.Errorf("%w: id %d", domain.ErrGroupNotFound, id)
	}
	return g, err
}

func (s *postgresStore) UpsertContact(ctx context.Context, name, number string) (domain.Contact, error) {
	c := domain.Contact{Name: strings.TrimSpace(name), Number: normalizeNumber(number)}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO friend(name, number) VALUES($1, $2)
		 ON CONFLICT (number) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`, c.Name, c.Number).Scan(&c.ID)
	return c, err
}

func (s *postgresStore) UpsertGroup(ctx context.Context, name string) (domain.Group, error) {
	g := domain.Group{Name: strings.TrimSpace(name)}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO grp(name) VALUES($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`, g.Name).Scan(&g.ID)
	return g, err
}

func (s *postgresStore) AddMember(ctx context.Context, groupID int64, number string) error {
	number = normalizeNumber(number)
	var fid int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM friend WHERE number = $1`, number).Scan(&fid)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: number %s", domain.ErrContactNotFound, number)
	}
	if err != nil {
		return err
	}
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO group_member(group_id, friend_id) VALUES($1, $2) ON CONFLICT DO NOTHING`, groupID, fid)
	return err
}

func (s *postgresStore) AddTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	if _, err := domain.ParseCategory(string(t.Category)); err != nil {
		return domain.Template{}, err
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO template(category, content, is_image) VALUES($1, $2, $3) RETURNING id`,
		string(t.Category), t.Content, t.IsImage).Scan(&t.ID)
	return t, err
}

func (s *postgresStore) CountTemplates(ctx context.Context) (map[domain.Category]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT category, COUNT(*) FROM template GROUP BY category`)
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
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[domain.Category(cat)] = int(n)
	}
	return out, rows.Err()
}

func (s *postgresStore) AppendRun(ctx context.Context, r RunRecord) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dispatch_run(id, selection, cadence, origin, started_at, finished_at, total, sent, skipped, failed, err, items)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.Selection, r.Interval, r.Trigger, r.StartedAt, r.FinishedAt,
		r.Total, r.Sent, r.Skipped, r.Failed, nullStr(r.Error), items)
	return err
}

func (s *postgresStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, selection, cadence, origin, started_at, finished_at, total, sent, skipped, failed, COALESCE(err, ''), items
		 FROM dispatch_run ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var items []byte
		if err := rows.Scan(&r.ID, &r.Selection, &r.Interval, &r.Trigger, &r.StartedAt, &r.FinishedAt,
			&r.Total, &r.Sent, &r.Skipped, &r.Failed, &r.Error, &items); err != nil {
			return nil, err
		}
		if len(items) > 0 {
			if err := json.Unmarshal(items, &r.Items); err != nil {
				s.log.Debug("run items decode failed", logx.String("run", r.ID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
