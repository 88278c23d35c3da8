package storage

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"wadispatch/internal/domain"
	logx "wadispatch/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "sqlite", Path: filepath.Join(dir, "book.db")},
		{Driver: "file", Path: filepath.Join(dir, "book.yaml")},
	} {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", cfg.Driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[cfg.Driver] = st
	}
	return out
}

func TestStoreAddressBook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			alice, err := st.UpsertContact(ctx, "Alice", "+10001")
			if err != nil {
				t.Fatalf("upsert alice: %v", err)
			}
			bob, err := st.UpsertContact(ctx, "Bob", " +10002 ")
			if err != nil {
				t.Fatalf("upsert bob: %v", err)
			}
			if bob.Number != "+10002" {
				t.Fatalf("number not normalized: %q", bob.Number)
			}
			again, err := st.UpsertContact(ctx, "Alice A.", "+10001")
			if err != nil || again.ID != alice.ID {
				t.Fatalf("re-upsert alice = %+v, %v; want id %d", again, err, alice.ID)
			}

			g, err := st.UpsertGroup(ctx, "G1")
			if err != nil {
				t.Fatalf("upsert group: %v", err)
			}
			// membership order is insertion order, not contact order
			for _, n := range []string{"+10002", "+10001", "+10002"} {
				if err := st.AddMember(ctx, g.ID, n); err != nil {
					t.Fatalf("add member %s: %v", n, err)
				}
			}
			if err := st.AddMember(ctx, g.ID, "+19999"); !errors.Is(err, domain.ErrContactNotFound) {
				t.Fatalf("unknown member err = %v", err)
			}

			contacts, err := st.ListContacts(ctx)
			if err != nil || len(contacts) != 2 {
				t.Fatalf("contacts = %+v, %v", contacts, err)
			}
			groups, members, err := st.ListGroups(ctx)
			if err != nil || len(groups) != 1 || groups[0].Name != "G1" {
				t.Fatalf("groups = %+v, %v", groups, err)
			}
			if got := members[g.ID]; !slices.Equal(got, []string{"+10002", "+10001"}) {
				t.Fatalf("members = %v", got)
			}

			if _, err := st.GetContact(ctx, 999); !errors.Is(err, domain.ErrContactNotFound) {
				t.Fatalf("GetContact missing err = %v", err)
			}
			if _, err := st.GetGroup(ctx, 999); !errors.Is(err, domain.ErrGroupNotFound) {
				t.Fatalf("GetGroup missing err = %v", err)
			}
		})
	}
}

func TestStoreTemplates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.RandomTemplate(ctx, domain.CategoryVerse); err != nil || ok {
				t.Fatalf("empty category ok=%v err=%v", ok, err)
			}
			for _, c := range []string{"q1", "q2"} {
				if _, err := st.AddTemplate(ctx, domain.Template{Category: domain.CategoryQuote, Content: c}); err != nil {
					t.Fatalf("add template: %v", err)
				}
			}
			if _, err := st.AddTemplate(ctx, domain.Template{Category: "poem", Content: "x"}); !errors.Is(err, domain.ErrUnknownCategory) {
				t.Fatalf("bad category err = %v", err)
			}
			tpl, ok, err := st.RandomTemplate(ctx, domain.CategoryQuote)
			if err != nil || !ok || tpl.Category != domain.CategoryQuote {
				t.Fatalf("RandomTemplate = %+v, %v, %v", tpl, ok, err)
			}
			counts, err := st.CountTemplates(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if counts[domain.CategoryQuote] != 2 || counts[domain.CategoryHadith] != 0 {
				t.Fatalf("counts = %v", counts)
			}
		})
	}
}

func TestStoreRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
			for i, id := range []string{"r1", "r2", "r3"} {
				r := RunRecord{
					ID: id, Selection: "group:1", Interval: "daily", Trigger: "schedule",
					StartedAt: base.Add(time.Duration(i) * time.Hour), FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
					Total: 2, Sent: 1, Failed: 1,
					Items: []RunItem{{Name: "Bob", Number: "+10002", Status: "failed", Reason: "timeout"}},
				}
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("append %s: %v", id, err)
				}
			}
			runs, err := st.RecentRuns(ctx, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
				t.Fatalf("runs = %+v", runs)
			}
			if len(runs[0].Items) != 1 || runs[0].Items[0].Reason != "timeout" {
				t.Fatalf("items = %+v", runs[0].Items)
			}
		})
	}
}

func TestFileStoreReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "book.yaml")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpsertContact(ctx, "Alice", "+10001"); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	c, err := st2.GetContact(ctx, 1)
	if err != nil || c.Name != "Alice" {
		t.Fatalf("reloaded contact = %+v, %v", c, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("none driver err = %v", err)
	}
}
