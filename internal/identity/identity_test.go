package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/docchat/internal/domain"
)

type fakeOwners struct {
	mu      sync.Mutex
	owners  map[string]*domain.Owner
	touches int
	getErr  error
}

func newFakeOwners() *fakeOwners {
	return &fakeOwners{owners: make(map[string]*domain.Owner)}
}

func (f *fakeOwners) GetOwner(_ context.Context, id string) (*domain.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	o, ok := f.owners[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOwners) UpsertOwner(_ context.Context, o *domain.Owner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *o
	f.owners[o.OwnerID] = &cp
	return nil
}

func (f *fakeOwners) TouchOwner(_ context.Context, id string, seen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	if o, ok := f.owners[id]; ok {
		o.LastSeenAt = seen
	}
	return nil
}

func captureOwner(got *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = OwnerIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddlewareIssuesCookieAndOwner(t *testing.T) {
	owners := newFakeOwners()
	var got string
	h := Middleware(owners, false)(captureOwner(&got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if !IsValidOwnerID(got) {
		t.Fatalf("owner id in context = %q", got)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != CookieName || cookies[0].Value != got {
		t.Fatalf("cookies = %+v", cookies)
	}
	if !cookies[0].HttpOnly {
		t.Error("owner cookie must be HttpOnly")
	}
	if _, ok := owners.owners[got]; !ok {
		t.Error("owner record not created")
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	owners := newFakeOwners()
	id, err := NewOwnerID()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	owners.owners[id] = &domain.Owner{OwnerID: id, LastSeenAt: now, CreatedAt: now}

	var got string
	h := Middleware(owners, true)(captureOwner(&got))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: id})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got != id {
		t.Errorf("owner id = %q, want %q", got, id)
	}
	if owners.touches != 0 {
		t.Errorf("recently seen owner touched %d times", owners.touches)
	}
	if c := rec.Result().Cookies(); len(c) != 1 || !c[0].Secure {
		t.Errorf("refreshed cookie = %+v, want Secure", c)
	}
}

func TestMiddlewareTouchesIdleOwner(t *testing.T) {
	owners := newFakeOwners()
	id, _ := NewOwnerID()
	old := time.Now().Add(-time.Hour)
	owners.owners[id] = &domain.Owner{OwnerID: id, LastSeenAt: old, CreatedAt: old}

	var got string
	h := Middleware(owners, false)(captureOwner(&got))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: id})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if owners.touches != 1 {
		t.Errorf("touches = %d, want 1", owners.touches)
	}
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	owners := newFakeOwners()
	var got string
	h := Middleware(owners, false)(captureOwner(&got))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "../../admin"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got == "../../admin" || !IsValidOwnerID(got) {
		t.Errorf("owner id = %q, want a freshly issued id", got)
	}
}

func TestMiddlewareStoreFailure(t *testing.T) {
	owners := newFakeOwners()
	owners.getErr = errors.New("disk full")
	called := false
	h := Middleware(owners, false)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if called {
		t.Error("next handler ran despite store failure")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	if got := ClientIP(req); got != "10.1.2.3" {
		t.Errorf("ClientIP() = %q", got)
	}
	req.RemoteAddr = "unix"
	if got := ClientIP(req); got != "unix" {
		t.Errorf("ClientIP() = %q", got)
	}
}
