package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wadispatch/internal/dispatch"
	"wadispatch/internal/domain"
	"wadispatch/internal/recurrence"
	"wadispatch/internal/service"
	"wadispatch/internal/storage"
	logx "wadispatch/pkg/logx"
)

type fakeService struct {
	sel       domain.Selection
	iv        domain.Interval
	res       *dispatch.Result
	err       error
	cancelErr error
	limit     int
	ctxErr    error
}

func (f *fakeService) Schedule(ctx context.Context, sel domain.Selection, iv domain.Interval) (*dispatch.Result, error) {
	f.sel, f.iv = sel, iv
	f.ctxErr = ctx.Err()
	if iv.Recurring() {
		return nil, f.err
	}
	return f.res, f.err
}
func (f *fakeService) Cancel() error { return f.cancelErr }
func (f *fakeService) Status(ctx context.Context) (service.Status, error) {
	return service.Status{Driver: "dryrun"}, nil
}
func (f *fakeService) Contacts(ctx context.Context) ([]domain.Contact, error) {
	return []domain.Contact{{ID: 1, Name: "Alice", Number: "+1"}}, nil
}
func (f *fakeService) Groups(ctx context.Context) ([]service.GroupView, error) { return nil, nil }
func (f *fakeService) RecentRuns(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	f.limit = limit
	return []storage.RunRecord{}, nil
}

func do(h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpen(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakeService{}, "secret", false, logx.Nop())
	rec := do(h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestAPIRequiresToken(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakeService{}, "secret", false, logx.Nop())
	if rec := do(h, http.MethodGet, "/api/contacts", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/contacts", "", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	rec := do(h, http.MethodGet, "/api/contacts", "", map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("good token = %d", rec.Code)
	}
	var cs []domain.Contact
	if err := json.Unmarshal(rec.Body.Bytes(), &cs); err != nil || len(cs) != 1 || cs[0].Name != "Alice" {
		t.Fatalf("body = %s (%v)", rec.Body.String(), err)
	}
	if rec := do(h, http.MethodGet, "/api/contacts?token=secret", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
}

func TestPostScheduleImmediate(t *testing.T) {
	t.Parallel()

	svc := &fakeService{res: &dispatch.Result{RunID: "r1", Total: 2, Sent: 2}}
	h := NewHandler(svc, "", false, logx.Nop())
	rec := do(h, http.MethodPost, "/api/schedule", `{"kind":"group","id":4,"interval":"now"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	if svc.sel != domain.GroupSelection(4) || svc.iv != domain.Immediate {
		t.Fatalf("sel=%v iv=%v", svc.sel, svc.iv)
	}
	var res dispatch.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.RunID != "r1" || res.Sent != 2 {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestPostScheduleRecurring(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	h := NewHandler(svc, "", false, logx.Nop())
	rec := do(h, http.MethodPost, "/api/schedule", `{"kind":"friend","id":1,"interval":"monthly"}`, nil)
	if rec.Code != http.StatusCreated || svc.iv != domain.Monthly {
		t.Fatalf("code = %d iv = %v", rec.Code, svc.iv)
	}
}

func TestPostScheduleErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"unknown field", `{"kind":"friend","id":1,"interval":"now","x":1}`, nil, http.StatusBadRequest},
		{"bad kind", `{"kind":"team","id":1,"interval":"now"}`, nil, http.StatusBadRequest},
		{"bad interval", `{"kind":"friend","id":1,"interval":"hourly"}`, nil, http.StatusBadRequest},
		{"missing contact", `{"kind":"friend","id":9,"interval":"now"}`, domain.ErrContactNotFound, http.StatusNotFound},
		{"empty book", `{"kind":"friend","id":1,"interval":"now"}`, service.ErrNotReady, http.StatusConflict},
	}
	for _, tc := range cases {
		svc := &fakeService{err: tc.err}
		h := NewHandler(svc, "", false, logx.Nop())
		rec := do(h, http.MethodPost, "/api/schedule", tc.body, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s: code = %d, want %d (%s)", tc.name, rec.Code, tc.want, rec.Body.String())
		}
	}
}

func TestDeleteSchedule(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	h := NewHandler(svc, "", false, logx.Nop())
	if rec := do(h, http.MethodDelete, "/api/schedule", "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("code = %d", rec.Code)
	}
	svc.cancelErr = recurrence.ErrNotScheduled
	if rec := do(h, http.MethodDelete, "/api/schedule", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestRunsLimit(t *testing.T) {
	t.Parallel()

	svc := &fakeService{}
	h := NewHandler(svc, "", false, logx.Nop())
	if rec := do(h, http.MethodGet, "/api/runs?limit=3", "", nil); rec.Code != http.StatusOK || svc.limit != 3 {
		t.Fatalf("code = %d limit = %d", rec.Code, svc.limit)
	}
	if rec := do(h, http.MethodGet, "/api/runs?limit=abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		"0.0.0.0:8080":   false,
		":8080":          false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestImmediateRunOutlivesClientDisconnect(t *testing.T) {
	t.Parallel()

	f := &fakeService{res: &dispatch.Result{Total: 2, Sent: 2}}
	h := NewHandler(f, "", false, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/schedule", strings.NewReader(`{"kind":"group","id":3,"interval":"now"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if f.sel != domain.GroupSelection(3) || f.iv != domain.Immediate {
		t.Fatalf("Schedule got %v %v, code %d", f.sel, f.iv, rec.Code)
	}
	if f.ctxErr != nil {
		t.Fatalf("run ctx err = %v, want detached from the request", f.ctxErr)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}
