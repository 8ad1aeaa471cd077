package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/docchat/internal/chat"
	"github.com/ashureev/docchat/internal/document"
	"github.com/ashureev/docchat/internal/files"
	"github.com/ashureev/docchat/internal/identity"
	"github.com/ashureev/docchat/internal/llm"
	"github.com/ashureev/docchat/internal/store"
)

type stubGenerator struct {
	mu      sync.Mutex
	prompts []string
	fail    bool
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.fail {
		return "", llm.ErrUpstream
	}
	if strings.Contains(prompt, "$500") {
		return "The total is $500.", nil
	}
	return "Hi!", nil
}

type stubExtractor struct{}

func (stubExtractor) ExtractText(data []byte, filename string) (string, error) {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return strings.TrimSpace(string(data[len("%PDF-"):])), nil
	}
	return "", &document.ExtractionError{Filename: filename, Err: errors.New("no header")}
}

type closeRecorder struct {
	closed []string
}

func (c *closeRecorder) CloseSession(sessionID string) {
	c.closed = append(c.closed, sessionID)
}

type client struct {
	t      *testing.T
	router http.Handler
	cookie *http.Cookie
	gen    *stubGenerator
	socks  *closeRecorder
}

func newClient(t *testing.T, maxUpload int64) *client {
	t.Helper()
	dir := t.TempDir()

	repo, err := store.NewSQLite(filepath.Join(dir, "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	fs, err := files.NewStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("files.NewStore() error = %v", err)
	}

	gen := &stubGenerator{}
	socks := &closeRecorder{}
	svc := chat.NewService(repo, stubExtractor{}, gen, fs)

	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, false))
	NewHealthHandler(repo).RegisterHealth(r)
	NewChatHandler(svc, socks, maxUpload).RegisterRoutes(r)

	return &client{t: t, router: r, gen: gen, socks: socks}
}

func (c *client) do(req *http.Request) *httptest.ResponseRecorder {
	c.t.Helper()
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == identity.CookieName {
			c.cookie = ck
		}
	}
	return rec
}

func (c *client) postJSON(path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *client) get(path string) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (c *client) upload(sessionID, filename string, data []byte) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if sessionID != "" {
		_ = mw.WriteField("session_id", sessionID)
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			c.t.Fatal(err)
		}
		_, _ = part.Write(data)
	}
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func (c *client) newChat() string {
	c.t.Helper()
	rec := c.postJSON("/new_chat", "")
	if rec.Code != http.StatusOK {
		c.t.Fatalf("new_chat status = %d body = %s", rec.Code, rec.Body)
	}
	var body struct {
		Success   bool   `json:"success"`
		SessionID string `json:"session_id"`
	}
	decode(c.t, rec.Body, &body)
	if !body.Success || body.SessionID == "" {
		c.t.Fatalf("new_chat body = %+v", body)
	}
	return body.SessionID
}

func decode(t *testing.T, r io.Reader, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type history []struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func TestInvoiceConversation(t *testing.T) {
	c := newClient(t, 1<<20)
	id := c.newChat()

	rec := c.upload(id, "invoice.pdf", []byte("%PDF-Invoice total: $500"))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d body = %s", rec.Code, rec.Body)
	}
	var up map[string]interface{}
	decode(t, rec.Body, &up)
	if up["success"] != true || up["message"] != "File uploaded and processed" {
		t.Errorf("upload body = %v", up)
	}

	rec = c.postJSON("/chat", `{"session_id":"`+id+`","message":"What is the total?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d body = %s", rec.Code, rec.Body)
	}
	var reply map[string]interface{}
	decode(t, rec.Body, &reply)
	if reply["success"] != true || reply["response"] != "The total is $500." {
		t.Errorf("chat body = %v", reply)
	}

	for _, path := range []string{"/history/" + id, "/get_history/" + id} {
		rec = c.get(path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		var h history
		decode(t, rec.Body, &h)
		if len(h) != 2 || h[0].Role != "user" || h[0].Text != "What is the total?" ||
			h[1].Role != "assistant" || h[1].Text != "The total is $500." {
			t.Errorf("%s = %+v", path, h)
		}
	}
}

func TestUpstreamFailureStillSucceeds(t *testing.T) {
	c := newClient(t, 1<<20)
	c.gen.fail = true
	id := c.newChat()

	rec := c.postJSON("/chat", `{"session_id":"`+id+`","message":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var reply map[string]interface{}
	decode(t, rec.Body, &reply)
	if reply["success"] != true || reply["response"] != chat.FallbackReply {
		t.Errorf("body = %v", reply)
	}
}

func TestEmptyHistoryIsArray(t *testing.T) {
	c := newClient(t, 1<<20)
	id := c.newChat()

	rec := c.get("/history/" + id)
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("history body = %s, want []", got)
	}
}

func TestNewChatWithSuppliedID(t *testing.T) {
	c := newClient(t, 1<<20)

	rec := c.postJSON("/new_chat", `{"session_id":"abc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec.Body, &body)
	if body["session_id"] != "abc" || body["name"] != "Chat 1" {
		t.Errorf("body = %v", body)
	}

	if rec := c.postJSON("/new_chat", `{"session_id":"abc"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}
	if rec := c.postJSON("/new_chat", `{bad`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d, want 400", rec.Code)
	}
}

func TestChatValidation(t *testing.T) {
	c := newClient(t, 1<<20)
	id := c.newChat()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `not json`, http.StatusBadRequest},
		{"missing session", `{"message":"hi"}`, http.StatusBadRequest},
		{"missing message", `{"session_id":"` + id + `"}`, http.StatusBadRequest},
		{"unknown session", `{"session_id":"ghost","message":"hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := c.postJSON("/chat", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			var body map[string]interface{}
			decode(t, rec.Body, &body)
			if body["success"] != false || body["error"] == "" {
				t.Errorf("error body = %v", body)
			}
		})
	}
}

func TestUploadErrors(t *testing.T) {
	c := newClient(t, 2048)
	id := c.newChat()

	tests := []struct {
		name     string
		session  string
		filename string
		data     []byte
		want     int
	}{
		{"missing session", "", "a.pdf", []byte("%PDF-x"), http.StatusBadRequest},
		{"missing file", id, "", nil, http.StatusBadRequest},
		{"not a pdf", id, "notes.txt", []byte("hello"), http.StatusBadRequest},
		{"unreadable pdf", id, "broken.pdf", []byte("garbage"), http.StatusUnprocessableEntity},
		{"unknown session", "ghost", "a.pdf", []byte("%PDF-x"), http.StatusNotFound},
		{"too large", id, "big.pdf", bytes.Repeat([]byte("a"), 4096), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := c.upload(tt.session, tt.filename, tt.data)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}

	// None of the failures attached a document, so the prompt is the raw message.
	if rec := c.postJSON("/chat", `{"session_id":"`+id+`","message":"plain"}`); rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rec.Code)
	}
	if got := c.gen.prompts[len(c.gen.prompts)-1]; got != "plain" {
		t.Errorf("prompt = %q, want raw message", got)
	}
}

func TestRemoveDocument(t *testing.T) {
	c := newClient(t, 1<<20)
	id := c.newChat()

	if rec := c.upload(id, "a.pdf", []byte("%PDF-Secret plan")); rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rec.Code)
	}

	rec := c.postJSON("/remove_document", `{"session_id":"`+id+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status = %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec.Body, &body)
	if body["message"] != "Document removed for session" {
		t.Errorf("body = %v", body)
	}

	c.postJSON("/chat", `{"session_id":"`+id+`","message":"What was the plan?"}`)
	if got := c.gen.prompts[len(c.gen.prompts)-1]; got != "What was the plan?" {
		t.Errorf("prompt = %q, want raw message", got)
	}

	if rec := c.postJSON("/remove_document", `{"session_id":"ghost"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestDeleteChatAndSessions(t *testing.T) {
	c := newClient(t, 1<<20)
	first := c.newChat()
	second := c.newChat()

	rec := c.get("/sessions")
	var list struct {
		Sessions []struct {
			SessionID string `json:"session_id"`
			Name      string `json:"name"`
		} `json:"sessions"`
	}
	decode(t, rec.Body, &list)
	if len(list.Sessions) != 2 || list.Sessions[0].SessionID != second || list.Sessions[1].Name != "Chat 1" {
		t.Fatalf("sessions = %+v", list.Sessions)
	}

	rec = c.postJSON("/delete_chat", `{"session_id":"`+second+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if len(c.socks.closed) != 1 || c.socks.closed[0] != second {
		t.Errorf("closed sockets = %v", c.socks.closed)
	}

	if rec := c.get("/history/" + second); rec.Code != http.StatusNotFound {
		t.Errorf("history after delete status = %d, want 404", rec.Code)
	}
	if rec := c.postJSON("/delete_chat", `{"session_id":"`+second+`"}`); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}

	rec = c.get("/sessions")
	decode(t, rec.Body, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].SessionID != first {
		t.Errorf("sessions after delete = %+v", list.Sessions)
	}
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	alice := newClient(t, 1<<20)
	id := alice.newChat()

	// A second device against the same router gets its own identity.
	bob := &client{t: t, router: alice.router, gen: alice.gen, socks: alice.socks}
	rec := bob.get("/sessions")
	var list struct {
		Sessions []interface{} `json:"sessions"`
	}
	decode(t, rec.Body, &list)
	if list.Sessions == nil || len(list.Sessions) != 0 {
		t.Errorf("bob's sessions = %v, want empty array", list.Sessions)
	}
	if rec := bob.get("/history/" + id); rec.Code != http.StatusNotFound {
		t.Errorf("foreign history status = %d, want 404", rec.Code)
	}
	if rec := bob.postJSON("/chat", `{"session_id":"`+id+`","message":"hi"}`); rec.Code != http.StatusNotFound {
		t.Errorf("foreign chat status = %d, want 404", rec.Code)
	}
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	c := newClient(t, 1<<20)
	rec := c.get("/health")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	h := NewHealthHandler(failingPinger{err: errors.New("locked")})
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec.Body, &body)
	if body["status"] != "degraded" {
		t.Errorf("body = %v", body)
	}
}
