package store

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mbolis/quick-intake/config"
	"github.com/mbolis/quick-intake/database"
	"github.com/mbolis/quick-intake/model"
	"github.com/mbolis/quick-intake/settings"
	"github.com/mbolis/quick-intake/statuses"
	"github.com/mbolis/quick-intake/upload"
	"github.com/pkg/errors"
)

type fixture struct {
	store      *Store
	settings   *settings.Store
	uploadsDir string
	countRows  func(t *testing.T, query string, args ...any) int
}

func setup(t *testing.T) fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := database.Open(config.Config{DBUrl: filepath.Join(dir, "test.sqlite")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	uploadsDir := filepath.Join(dir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		t.Fatalf("mkdir uploads: %v", err)
	}

	set := settings.NewStore(db)
	return fixture{
		store:      New(db, statuses.NewStore(db), set, upload.NewManager(uploadsDir)),
		settings:   set,
		uploadsDir: uploadsDir,
		countRows: func(t *testing.T, query string, args ...any) int {
			t.Helper()
			var n int
			if err := db.QueryRow(query, args...).Scan(&n); err != nil {
				t.Fatalf("count rows: %v", err)
			}
			return n
		},
	}
}

func TestCreatePersistsFieldRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.store.Create(ctx, map[string]string{
		"name":    "Jane",
		"message": "hello there",
		"age":     "42",
	}, nil, "Guest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("expected a fresh submission id")
	}

	n := f.countRows(t, "SELECT COUNT(*) FROM submissions WHERE submission_id = ?", id)
	if n != 5 {
		t.Fatalf("expected 3+2 field rows, got %d", n)
	}

	if n := f.countRows(t,
		"SELECT COUNT(*) FROM submissions WHERE submission_id = ? AND field_key = 'status'", id); n != 1 {
		t.Fatalf("expected exactly one status row, got %d", n)
	}
	if n := f.countRows(t,
		"SELECT COUNT(*) FROM submissions WHERE submission_id = ? AND field_key = 'age' AND field_type = 'number'", id); n != 1 {
		t.Fatalf("expected numeric value typed as number, got %d rows", n)
	}
	if n := f.countRows(t, "SELECT COUNT(*) FROM logs WHERE submission_id = ? AND action = 'create'", id); n != 1 {
		t.Fatalf("expected one audit entry, got %d", n)
	}
}

func TestCreateGeneratesDistinctIDs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		id, err := f.store.Create(ctx, map[string]string{"n": strconv.Itoa(i)}, nil, "Guest")
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("id %s reused", id)
		}
		seen[id] = true
	}
}

func TestCreateTooManyFieldsWritesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	fields := map[string]string{}
	for i := 0; i < DefaultMaxFields+1; i++ {
		fields["field_"+strconv.Itoa(i)] = "x"
	}

	_, err := f.store.Create(ctx, fields, nil, "Guest")
	if !errors.Is(err, ErrTooManyFields) {
		t.Fatalf("expected ErrTooManyFields, got %v", err)
	}
	if n := f.countRows(t, "SELECT COUNT(*) FROM submissions"); n != 0 {
		t.Fatalf("expected zero rows written, got %d", n)
	}
}

func TestCreateStripsReservedKeysAndTruncates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	longKey := strings.Repeat("k", DefaultMaxKeyLength+50)
	longValue := strings.Repeat("v", DefaultMaxValueLength+100)

	id, err := f.store.Create(ctx, map[string]string{
		"status":     "hijacked",
		"csrf_token": "abc",
		longKey:      longValue,
	}, nil, "Guest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var status string
	err = f.store.db.
		QueryRow("SELECT field_value FROM submissions WHERE submission_id = ? AND field_key = 'status'", id).
		Scan(&status)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "pending" {
		t.Fatalf("caller-supplied status leaked through: %q", status)
	}
	if n := f.countRows(t,
		"SELECT COUNT(*) FROM submissions WHERE submission_id = ? AND field_key = 'csrf_token'", id); n != 0 {
		t.Fatal("csrf_token row written")
	}

	var key, value string
	err = f.store.db.
		QueryRow(`SELECT field_key, field_value FROM submissions
			WHERE submission_id = ? AND field_type = 'text'`, id).
		Scan(&key, &value)
	if err != nil {
		t.Fatalf("read field: %v", err)
	}
	if len(key) != DefaultMaxKeyLength {
		t.Fatalf("key not truncated: %d chars", len(key))
	}
	if len(value) != DefaultMaxValueLength {
		t.Fatalf("value not truncated: %d chars", len(value))
	}
}

func TestCreateSerializesFileMetadata(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.store.Create(ctx, nil, map[string]any{
		"attachment": model.FileMeta{
			Path:         "uploads/ab12cd34.pdf",
			OriginalName: "report.pdf",
			MimeType:     "application/pdf",
			Size:         1234,
		},
	}, "Guest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var value string
	err = f.store.db.
		QueryRow(`SELECT field_value FROM submissions
			WHERE submission_id = ? AND field_key = 'attachment' AND field_type = 'file'`, id).
		Scan(&value)
	if err != nil {
		t.Fatalf("read file field: %v", err)
	}
	if !strings.Contains(value, `"path":"uploads/ab12cd34.pdf"`) {
		t.Fatalf("unexpected file value: %s", value)
	}
}

func TestGetAllFilters(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.store.Create(ctx, map[string]string{"name": "Alice", "topic": "billing"}, nil, "Guest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := f.store.Create(ctx, map[string]string{"name": "Bob", "topic": "support"}, nil, "Guest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := f.store.GetAll(ctx, Filters{})
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(all))
	}

	found, err := f.store.GetAll(ctx, Filters{Search: "billing"})
	if err != nil {
		t.Fatalf("get filtered: %v", err)
	}
	if len(found) != 1 || found[0].ID != first {
		t.Fatalf("search filter returned %v", found)
	}
	if found[0].Fields["name"] != "Alice" {
		t.Fatalf("fields not folded into submission: %v", found[0].Fields)
	}
	if found[0].Status != "pending" {
		t.Fatalf("status not materialized: %q", found[0].Status)
	}

	if err := f.store.UpdateStatus(ctx, second, "sent", "admin"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	sent, err := f.store.GetAll(ctx, Filters{Status: "sent"})
	if err != nil {
		t.Fatalf("get by status: %v", err)
	}
	if len(sent) != 1 || sent[0].ID != second {
		t.Fatalf("status filter returned %v", sent)
	}
}

func TestGetByID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.store.Create(ctx, map[string]string{"name": "Jane"}, nil, "operator")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	submission, fields, err := f.store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if submission.Status != "pending" || submission.SubmittedBy != "operator" {
		t.Fatalf("derived fields wrong: %+v", submission)
	}
	if len(fields) != 3 {
		t.Fatalf("expected 3 raw rows, got %d", len(fields))
	}

	if _, _, err := f.store.GetByID(ctx, "does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.store.Create(ctx, map[string]string{"name": "Jane"}, nil, "Guest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.store.UpdateStatus(ctx, id, "sent", "admin"); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := f.store.UpdateStatus(ctx, id, "sent", "admin"); err != nil {
		t.Fatalf("second update: %v", err)
	}

	if n := f.countRows(t,
		"SELECT COUNT(*) FROM submissions WHERE submission_id = ? AND field_key = 'status'", id); n != 1 {
		t.Fatalf("expected exactly one status row, got %d", n)
	}
	if n := f.countRows(t,
		"SELECT COUNT(*) FROM logs WHERE submission_id = ? AND action = 'update_status'", id); n != 2 {
		t.Fatalf("expected two audit entries, got %d", n)
	}
}

func TestUpdateStatusInsertsMissingRow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.store.UpdateStatus(ctx, "17000000001234", "error", "admin"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if n := f.countRows(t,
		"SELECT COUNT(*) FROM submissions WHERE submission_id = '17000000001234' AND field_key = 'status'"); n != 1 {
		t.Fatalf("expected upserted status row, got %d", n)
	}
}

func TestBulkUpdateStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.store.Create(ctx, map[string]string{"n": strconv.Itoa(i)}, nil, "Guest")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
	}

	if err := f.store.BulkUpdateStatus(ctx, ids[:2], "sent", "admin"); err != nil {
		t.Fatalf("bulk update: %v", err)
	}

	if n := f.countRows(t,
		"SELECT COUNT(*) FROM submissions WHERE field_key = 'status' AND field_value = 'sent'"); n != 2 {
		t.Fatalf("expected 2 sent rows, got %d", n)
	}
	if n := f.countRows(t,
		"SELECT COUNT(*) FROM submissions WHERE submission_id = ? AND field_key = 'status' AND field_value = 'pending'",
		ids[2]); n != 1 {
		t.Fatal("untouched submission lost its status")
	}
}

func TestBulkDeleteRemovesRowsAndFiles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	stored := filepath.Join(f.uploadsDir, "ab12cd34ef56ab12cd34ef56ab12cd34.pdf")
	if err := os.WriteFile(stored, []byte("%PDF"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	withFile, err := f.store.Create(ctx, map[string]string{"name": "Jane"}, map[string]any{
		"attachment": model.FileMeta{
			Path:         "uploads/ab12cd34ef56ab12cd34ef56ab12cd34.pdf",
			OriginalName: "report.pdf",
			MimeType:     "application/pdf",
			Size:         4,
		},
	}, "Guest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	withMissingFile, err := f.store.Create(ctx, nil, map[string]any{
		"attachment": model.FileMeta{Path: "uploads/gone.pdf"},
	}, "Guest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := f.store.BulkDelete(ctx, []string{withFile, withMissingFile})
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}

	if n := f.countRows(t, "SELECT COUNT(*) FROM submissions"); n != 0 {
		t.Fatalf("expected zero field rows, got %d", n)
	}
	if n := f.countRows(t, "SELECT COUNT(*) FROM logs"); n != 0 {
		t.Fatalf("expected zero audit rows, got %d", n)
	}
	if _, err := os.Stat(stored); !os.IsNotExist(err) {
		t.Fatal("stored file not removed")
	}
	if len(result.Deleted) != 1 || len(result.Skipped) != 1 {
		t.Fatalf("unexpected delete result: %+v", result)
	}
}

func TestDefaultStatusFromSettings(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.settings.Put(ctx, settings.KeyDefaultStatus, "SENT"); err != nil {
		t.Fatalf("put setting: %v", err)
	}

	id, err := f.store.Create(ctx, map[string]string{"name": "Jane"}, nil, "Guest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	submission, _, err := f.store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if submission.Status != "sent" {
		t.Fatalf("expected case-insensitive default match, got %q", submission.Status)
	}
}
