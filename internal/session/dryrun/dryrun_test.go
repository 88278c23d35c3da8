package dryrun

import (
	"context"
	"errors"
	"testing"

	"wadispatch/internal/domain"
	"wadispatch/internal/session"
	logx "wadispatch/pkg/logx"
)

func TestDryRunSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := New(logx.Nop()).Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SearchAndOpen(ctx, domain.Recipient{Name: "Alice", Number: "+10001"}); err != nil {
		t.Fatal(err)
	}
	ok, err := s.ConfirmOpen(ctx, "Alice")
	if err != nil || !ok {
		t.Fatalf("ConfirmOpen = %v, %v", ok, err)
	}
	if ok, _ := s.ConfirmOpen(ctx, "Bob"); ok {
		t.Fatal("ConfirmOpen matched the wrong name")
	}
	if err := s.SendText(ctx, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal("second Close should be a no-op")
	}
	if err := s.SendText(ctx, []string{"x"}); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("send after close err = %v", err)
	}
}
