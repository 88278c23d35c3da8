package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	"wadispatch/internal/domain"
	logx "wadispatch/pkg/logx"
)

// fileStore keeps the address book in one YAML document and appends runs to
// a JSON Lines log next to it.
//
// Files:
//   - <path>                 (YAML: contacts, groups, templates)
//   - <prefix>.runs.jsonl    (append-only run log)
//
// Group membership is stored as numbers, so a member whose contact was
// removed stays in the document until the next edit of that group.
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	doc     fileDoc
	runs    *os.File
	runPath string
}

type fileDoc struct {
	Contacts  []domain.Contact  `yaml:"contacts"`
	Groups    []fileGroup       `yaml:"groups"`
	Templates []domain.Template `yaml:"templates"`
}

type fileGroup struct {
	ID      int64    `yaml:"id"`
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(b, &s.doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s.runPath = filepath.Join(dir, base+".runs.jsonl")
	s.runs, err = os.OpenFile(s.runPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return nil
	}
	err := s.runs.Close()
	s.runs = nil
	return err
}

func (s *fileStore) ListContacts(ctx context.Context) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.doc.Contacts), nil
}

func (s *fileStore) ListGroups(ctx context.Context) ([]domain.Group, map[int64][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make([]domain.Group, 0, len(s.doc.Groups))
	members := make(map[int64][]string, len(s.doc.Groups))
	for _, g := range s.doc.Groups {
		groups = append(groups, domain.Group{ID: g.ID, Name: g.Name})
		members[g.ID] = slices.Clone(g.Members)
	}
	return groups, members, nil
}

func (s *fileStore) RandomTemplate(ctx context.Context, c domain.Category) (domain.Template, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pool []domain.Template
	for _, t := range s.doc.Templates {
		if t.Category == c {
			pool = append(pool, t)
		}
	}
	if len(pool) == 0 {
		return domain.Template{}, false, nil
	}
	return pool[rand.IntN(len(pool))], true, nil
}

func (s *fileStore) GetContact(ctx context.Context, id int64) (domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.doc.Contacts {
		if c.ID == id {
			return c, nil
		}
	}
	return domain.Contact{}, fmt.Errorf("%w: id %d", domain.ErrContactNotFound, id)
}

func (s *fileStore) GetGroup(ctx context.Context, id int64) (domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.groupLocked(id); g != nil {
		return domain.Group{ID: g.ID, Name: g.Name}, nil
	}
	return domain.Group{}, fmt.Errorf("%w: id %d", domain.ErrGroupNotFound, id)
}

func (s *fileStore) groupLocked(id int64) *fileGroup {
	for i := range s.doc.Groups {
		if s.doc.Groups[i].ID == id {
			return &s.doc.Groups[i]
		}
	}
	return nil
}

func (s *fileStore) UpsertContact(ctx context.Context, name, number string) (domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := domain.Contact{Name: strings.TrimSpace(name), Number: normalizeNumber(number)}
	for i := range s.doc.Contacts {
		if s.doc.Contacts[i].Number == c.Number {
			s.doc.Contacts[i].Name = c.Name
			c.ID = s.doc.Contacts[i].ID
			return c, s.flushLocked()
		}
	}
	var maxID int64
	for _, x := range s.doc.Contacts {
		maxID = max(maxID, x.ID)
	}
	c.ID = maxID + 1
	s.doc.Contacts = append(s.doc.Contacts, c)
	return c, s.flushLocked()
}

func (s *fileStore) UpsertGroup(ctx context.Context, name string) (domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.TrimSpace(name)
	var maxID int64
	for _, g := range s.doc.Groups {
		if g.Name == name {
			return domain.Group{ID: g.ID, Name: g.Name}, nil
		}
		maxID = max(maxID, g.ID)
	}
	g := fileGroup{ID: maxID + 1, Name: name}
	s.doc.Groups = append(s.doc.Groups, g)
	return domain.Group{ID: g.ID, Name: g.Name}, s.flushLocked()
}

func (s *fileStore) AddMember(ctx context.Context, groupID int64, number string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	number = normalizeNumber(number)
	if !slices.ContainsFunc(s.doc.Contacts, func(c domain.Contact) bool { return c.Number == number }) {
		return fmt.Errorf("%w: number %s", domain.ErrContactNotFound, number)
	}
	g := s.groupLocked(groupID)
	if g == nil {
		return fmt.Errorf("%w: id %d", domain.ErrGroupNotFound, groupID)
	}
	if slices.Contains(g.Members, number) {
		return nil
	}
	g.Members = append(g.Members, number)
	return s.flushLocked()
}

func (s *fileStore) AddTemplate(ctx context.Context, t domain.Template) (domain.Template, error) {
	if _, err := domain.ParseCategory(string(t.Category)); err != nil {
		return domain.Template{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var maxID int64
	for _, x := range s.doc.Templates {
		maxID = max(maxID, x.ID)
	}
	t.ID = maxID + 1
	s.doc.Templates = append(s.doc.Templates, t)
	return t, s.flushLocked()
}

func (s *fileStore) CountTemplates(ctx context.Context) (map[domain.Category]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Category]int, 3)
	for _, c := range domain.Categories() {
		out[c] = 0
	}
	for _, t := range s.doc.Templates {
		out[t.Category]++
	}
	return out, nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runs).Encode(r)
}

// RecentRuns reads the whole run log; the file driver targets small installs.
func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.runPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		all = append(all, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// flushLocked writes the document atomically (tmp + rename).
func (s *fileStore) flushLocked() error {
	b, err := yaml.Marshal(&s.doc)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
