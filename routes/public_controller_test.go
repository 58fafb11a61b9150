package routes

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/mbolis/quick-intake/app"
	"github.com/mbolis/quick-intake/config"
	"github.com/mbolis/quick-intake/database"
	"github.com/mbolis/quick-intake/httpx"
	"github.com/mbolis/quick-intake/mailer"
	"github.com/mbolis/quick-intake/security"
	"github.com/mbolis/quick-intake/session"
	"github.com/mbolis/quick-intake/settings"
	"github.com/mbolis/quick-intake/statuses"
	"github.com/mbolis/quick-intake/store"
	"github.com/mbolis/quick-intake/upload"
)

type nopMailer struct{}

func (nopMailer) Send(ctx context.Context, to, subject, htmlBody string) error { return nil }

func newTestApp(t *testing.T) (http.Handler, app.App) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Config{
		Addr:        "127.0.0.1:8080",
		DBUrl:       filepath.Join(dir, "test.sqlite"),
		UploadsDir:  filepath.Join(dir, "uploads"),
		TokenSecret: "test-secret",
		TokenTTL:    2 * time.Minute,
	}

	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	settingsStore := settings.NewStore(db)
	gateway := security.NewGateway(db, settingsStore)
	uploads := upload.NewManager(cfg.UploadsDir)
	statusStore := statuses.NewStore(db)

	a := app.App{
		DB:           db,
		BearerServer: httpx.NewBearerServer(db, cfg, gateway),
		Config:       cfg,

		Settings:    settingsStore,
		Sessions:    session.NewStore(time.Hour),
		Gateway:     gateway,
		Uploads:     uploads,
		Statuses:    statusStore,
		Submissions: store.New(db, statusStore, settingsStore, uploads),
		Dispatcher:  mailer.NewDispatcher(settingsStore, gateway, nopMailer{}),
	}
	return Wire(a), a
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

// fetchCsrf establishes a session and returns its cookie plus the issued token.
func fetchCsrf(t *testing.T, handler http.Handler) (*http.Cookie, string) {
	t.Helper()

	r := httptest.NewRequest("GET", "http://intake.example/api/csrf", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("csrf status %d: %s", w.Code, w.Body.String())
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("session cookie not set")
	}

	token, _ := decodeJSON(t, w)["csrf_token"].(string)
	if token == "" {
		t.Fatal("csrf_token missing from response")
	}
	return cookie, token
}

type submitFile struct {
	field, name, content string
}

func submitRequest(t *testing.T, fields map[string]string, files ...submitFile) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for key, value := range fields {
		mw.WriteField(key, value)
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(f.content))
	}
	mw.Close()

	r := httptest.NewRequest("POST", "http://intake.example/api/submit", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func countSubmissionRows(t *testing.T, a app.App) int {
	t.Helper()
	var n int
	if err := a.DB.QueryRow("SELECT COUNT(*) FROM submissions").Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSubmitFlow(t *testing.T) {
	handler, a := newTestApp(t)
	cookie, token := fetchCsrf(t, handler)

	r := submitRequest(t, map[string]string{
		"csrf_token": token,
		"name":       "Ada Lovelace",
		"email":      "ada@example.com",
	}, submitFile{"attachment", "notes.txt", "hello intake"})
	r.AddCookie(cookie)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	id, _ := body["submission_id"].(string)
	if body["status"] != "success" || id == "" {
		t.Fatalf("unexpected response: %v", body)
	}

	sub, fields, err := a.Submissions.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("stored submission not found: %v", err)
	}
	if sub.Fields["name"] != "Ada Lovelace" {
		t.Fatalf("fields: %v", sub.Fields)
	}
	if _, ok := sub.Fields["csrf_token"]; ok {
		t.Fatal("csrf_token must not be persisted")
	}

	// attachment landed on disk and its metadata row points at it
	paths := upload.ExtractPaths(fields)
	if len(paths) != 1 {
		t.Fatalf("attachment paths: %v", paths)
	}
	stored, err := a.Uploads.Resolve(filepath.Base(paths[0]))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stored); err != nil {
		t.Fatalf("attachment missing on disk: %v", err)
	}
}

func TestSubmitRejectsBadCsrf(t *testing.T) {
	handler, a := newTestApp(t)
	cookie, _ := fetchCsrf(t, handler)

	r := submitRequest(t, map[string]string{
		"csrf_token": "forged",
		"name":       "Mallory",
	})
	r.AddCookie(cookie)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if n := countSubmissionRows(t, a); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestSubmitRejectsUnknownOrigin(t *testing.T) {
	handler, a := newTestApp(t)

	r := submitRequest(t, map[string]string{"name": "Mallory"})
	r.Header.Set("Origin", "https://evil.example")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if n := countSubmissionRows(t, a); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestSubmitAllowListedOriginSkipsCsrf(t *testing.T) {
	handler, a := newTestApp(t)
	err := a.Settings.Put(context.Background(), settings.KeyAllowedOrigins, "https://partner.example")
	if err != nil {
		t.Fatal(err)
	}

	r := submitRequest(t, map[string]string{"name": "Partner"})
	r.Header.Set("Origin", "https://partner.example")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://partner.example" {
		t.Fatalf("origin not echoed: %q", got)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	handler, a := newTestApp(t)
	cookie, token := fetchCsrf(t, handler)

	// the limiter counts stored submissions per client address
	for i := 0; i < security.SubmissionLimit; i++ {
		a.Gateway.LogIncident(context.Background(), security.IncidentSubmission,
			"Submission stored", nil, "192.0.2.1")
	}

	r := submitRequest(t, map[string]string{
		"csrf_token": token,
		"name":       "Ada",
	})
	r.AddCookie(cookie)
	r.RemoteAddr = "192.0.2.1:44000"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if n := countSubmissionRows(t, a); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestSubmitRejectsInvalidUpload(t *testing.T) {
	handler, a := newTestApp(t)
	cookie, token := fetchCsrf(t, handler)

	r := submitRequest(t, map[string]string{
		"csrf_token": token,
		"name":       "Ada",
	}, submitFile{"attachment", "payload.exe", "MZ..."})
	r.AddCookie(cookie)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if n := countSubmissionRows(t, a); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
	if entries, _ := os.ReadDir(a.UploadsDir); len(entries) != 0 {
		t.Fatalf("no files may be stored, got %v", entries)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	handler, _ := newTestApp(t)

	r := httptest.NewRequest("GET", "http://intake.example/api/admin/submissions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
}
