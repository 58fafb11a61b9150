package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mbolis/quick-intake/model"
	"github.com/mbolis/quick-intake/settings"
	"github.com/mbolis/quick-intake/statuses"
	"github.com/mbolis/quick-intake/upload"
	"github.com/pkg/errors"
)

// Hard fallbacks for the resource-exhaustion limits; the settings table can
// override each.
const (
	DefaultMaxFields      = 50
	DefaultMaxKeyLength   = 100
	DefaultMaxValueLength = 10000
)

const createAttempts = 3

// Keys the caller may never set: they are materialized by the store itself.
var reservedKeys = map[string]bool{
	"status":        true,
	"submitted_by":  true,
	"submission_id": true,
	"created_at":    true,
	"csrf_token":    true,
}

var ErrTooManyFields = errors.New("Too many fields submitted.")
var ErrNotFound = errors.New("submission not found")

type Store struct {
	db       *sql.DB
	statuses *statuses.Store
	settings *settings.Store
	files    *upload.Manager
}

func New(db *sql.DB, statuses *statuses.Store, settings *settings.Store, files *upload.Manager) *Store {
	return &Store{db, statuses, settings, files}
}

// Filters narrows GetAll results. Zero values mean "no filter".
type Filters struct {
	Status string `form:"status"`
	Search string `form:"search"`
}

// Create persists one submission as a group of field rows in a single
// transaction: caller fields, a submitted_by row, a status row and an audit
// entry. Reserved keys are stripped, overlong keys and values truncated.
// Returns the fresh submission id.
func (s *Store) Create(ctx context.Context, fields map[string]string, files map[string]any, submittedBy string) (string, error) {
	maxFields := s.settings.GetInt(ctx, settings.KeyMaxFields, DefaultMaxFields)
	maxKey := s.settings.GetInt(ctx, settings.KeyMaxKeyLength, DefaultMaxKeyLength)
	maxValue := s.settings.GetInt(ctx, settings.KeyMaxValueLength, DefaultMaxValueLength)

	if len(fields)+len(files) > maxFields {
		return "", ErrTooManyFields
	}

	defaultStatus := s.statuses.Default(ctx, s.settings)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "db.begin_tx")
	}
	defer tx.Rollback()

	submissionID, err := freshID(ctx, tx)
	if err != nil {
		return "", err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO submissions (submission_id, field_key, field_value, field_type)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return "", errors.Wrap(err, "db.create_submission.prepare")
	}
	defer stmt.Close()

	for key, value := range fields {
		if reservedKeys[key] {
			continue
		}
		key = truncate(key, maxKey)
		value = truncate(value, maxValue)

		fieldType := model.FieldText
		if _, err := strconv.ParseFloat(value, 64); err == nil && value != "" {
			fieldType = model.FieldNumber
		}
		if _, err := stmt.ExecContext(ctx, submissionID, key, value, fieldType); err != nil {
			return "", errors.Wrap(err, "db.create_submission.field")
		}
	}

	for key, meta := range files {
		if reservedKeys[key] {
			continue
		}
		key = truncate(key, maxKey)

		buf, err := json.Marshal(meta)
		if err != nil {
			return "", errors.Wrap(err, "db.create_submission.file_value")
		}
		value := truncate(string(buf), maxValue)
		if _, err := stmt.ExecContext(ctx, submissionID, key, value, model.FieldFile); err != nil {
			return "", errors.Wrap(err, "db.create_submission.file")
		}
	}

	_, err = stmt.ExecContext(ctx, submissionID, "submitted_by", submittedBy, model.FieldSystem)
	if err != nil {
		return "", errors.Wrap(err, "db.create_submission.submitted_by")
	}
	_, err = stmt.ExecContext(ctx, submissionID, "status", defaultStatus, model.FieldStatus)
	if err != nil {
		return "", errors.Wrap(err, "db.create_submission.status")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO logs (submission_id, action, details) VALUES (?, 'create', ?)`,
		submissionID, "New submission received (Submitted by: "+submittedBy+")")
	if err != nil {
		return "", errors.Wrap(err, "db.create_submission.log")
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "db.create_submission.commit")
	}
	return submissionID, nil
}

// freshID generates a time-ordered id with a random suffix, retrying on the
// unlikely collision with an existing submission.
func freshID(ctx context.Context, tx *sql.Tx) (string, error) {
	for i := 0; i < createAttempts; i++ {
		id := fmt.Sprintf("%d%04d", time.Now().Unix(), 1000+rand.Intn(9000))

		var exists int
		err := tx.
			QueryRowContext(ctx, "SELECT 1 FROM submissions WHERE submission_id = ? LIMIT 1", id).
			Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return id, nil
		}
		if err != nil {
			return "", errors.Wrap(err, "db.create_submission.fresh_id")
		}
	}
	return "", errors.New("db.create_submission.fresh_id: exhausted attempts")
}

// GetAll lists submissions newest-first. The candidate id set is resolved
// first (status and substring sub-filters as sub-queries), then all field
// rows for those ids are fetched in one batch to avoid N+1 queries.
func (s *Store) GetAll(ctx context.Context, filters Filters) ([]model.Submission, error) {
	var where []string
	var params []any

	if filters.Status != "" {
		where = append(where, `submission_id IN (
			SELECT submission_id FROM submissions
			WHERE field_key = 'status' AND field_value = ?)`)
		params = append(params, strings.ToLower(filters.Status))
	}
	if filters.Search != "" {
		where = append(where, `submission_id IN (
			SELECT submission_id FROM submissions
			WHERE field_value LIKE ?)`)
		params = append(params, "%"+filters.Search+"%")
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, MAX(created_at) AS created_at
		FROM submissions `+whereSQL+`
		GROUP BY submission_id
		ORDER BY created_at DESC`,
		params...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.get_submissions.ids")
	}
	defer rows.Close()

	var ids []any
	var result []model.Submission
	for rows.Next() {
		var id, createdAt string
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, errors.Wrap(err, "db.get_submissions.ids.scan")
		}
		ids = append(ids, id)
		result = append(result, model.Submission{
			ID:        id,
			CreatedAt: parseTimestamp(createdAt),
			Fields:    map[string]string{},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db.get_submissions.ids")
	}
	if len(ids) == 0 {
		return []model.Submission{}, nil
	}

	fieldRows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, field_key, field_value
		FROM submissions
		WHERE submission_id IN (`+placeholders(len(ids))+`)`,
		ids...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.get_submissions.fields")
	}
	defer fieldRows.Close()

	fieldMap := map[string]map[string]string{}
	for fieldRows.Next() {
		var id, key, value string
		if err := fieldRows.Scan(&id, &key, &value); err != nil {
			return nil, errors.Wrap(err, "db.get_submissions.fields.scan")
		}
		if fieldMap[id] == nil {
			fieldMap[id] = map[string]string{}
		}
		fieldMap[id][key] = value
	}
	if err := fieldRows.Err(); err != nil {
		return nil, errors.Wrap(err, "db.get_submissions.fields")
	}

	for i := range result {
		fields := fieldMap[result[i].ID]
		if fields == nil {
			continue
		}
		result[i].Fields = fields
		result[i].Status = fields["status"]
		result[i].SubmittedBy = fields["submitted_by"]
	}
	return result, nil
}

// GetByID returns a single submission with its raw field rows and the
// materialized status and submitter.
func (s *Store) GetByID(ctx context.Context, id string) (model.Submission, []model.Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field_key, field_value, field_type, created_at
		FROM submissions
		WHERE submission_id = ?`,
		id,
	)
	if err != nil {
		return model.Submission{}, nil, errors.Wrap(err, "db.get_submission")
	}
	defer rows.Close()

	submission := model.Submission{ID: id, Fields: map[string]string{}}
	var fields []model.Field
	for rows.Next() {
		f := model.Field{SubmissionID: id}
		if err := rows.Scan(&f.Key, &f.Value, &f.Type, &f.CreatedAt); err != nil {
			return model.Submission{}, nil, errors.Wrap(err, "db.get_submission.scan")
		}
		fields = append(fields, f)

		submission.Fields[f.Key] = f.Value
		switch f.Key {
		case "status":
			submission.Status = f.Value
		case "submitted_by":
			submission.SubmittedBy = f.Value
		}
		if submission.CreatedAt.IsZero() {
			submission.CreatedAt = f.CreatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return model.Submission{}, nil, errors.Wrap(err, "db.get_submission")
	}
	if len(fields) == 0 {
		return model.Submission{}, nil, ErrNotFound
	}
	return submission, fields, nil
}

// UpdateStatus sets the status row for id (inserting it when missing) and
// appends an audit entry. The caller validates the label beforehand.
func (s *Store) UpdateStatus(ctx context.Context, id, status, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "db.begin_tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE submissions SET field_value = ?
		WHERE submission_id = ? AND field_key = 'status'`,
		status, id,
	)
	if err != nil {
		return errors.Wrap(err, "db.update_status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "db.update_status.verify")
	}
	if n == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO submissions (submission_id, field_key, field_value, field_type)
			VALUES (?, 'status', ?, 'status')`,
			id, status,
		)
		if err != nil {
			return errors.Wrap(err, "db.update_status.insert")
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO logs (submission_id, action, performed_by, details)
		VALUES (?, 'update_status', ?, ?)`,
		id, actor, "Status updated to: "+status,
	)
	if err != nil {
		return errors.Wrap(err, "db.update_status.log")
	}

	return errors.Wrap(tx.Commit(), "db.update_status.commit")
}

// BulkUpdateStatus applies one status to many submissions in a single
// transaction, with one audit entry per submission.
func (s *Store) BulkUpdateStatus(ctx context.Context, ids []string, status, actor string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "db.begin_tx")
	}
	defer tx.Rollback()

	params := make([]any, 0, len(ids)+1)
	params = append(params, status)
	for _, id := range ids {
		params = append(params, id)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE submissions SET field_value = ?
		WHERE field_key = 'status' AND submission_id IN (`+placeholders(len(ids))+`)`,
		params...,
	)
	if err != nil {
		return errors.Wrap(err, "db.bulk_update_status")
	}

	for _, id := range ids {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO logs (submission_id, action, performed_by, details)
			VALUES (?, 'update_status', ?, ?)`,
			id, actor, "Bulk status updated to: "+status,
		)
		if err != nil {
			return errors.Wrap(err, "db.bulk_update_status.log")
		}
	}

	return errors.Wrap(tx.Commit(), "db.bulk_update_status.commit")
}

// Delete removes one submission: its field rows and audit entries go in one
// transaction, referenced attachments are removed from disk only after a
// successful commit.
func (s *Store) Delete(ctx context.Context, id string) (upload.DeleteResult, error) {
	return s.BulkDelete(ctx, []string{id})
}

// BulkDelete removes many submissions at once. File deletion is best-effort:
// missing files are reported as skipped, never rolling back the committed row
// deletion.
func (s *Store) BulkDelete(ctx context.Context, ids []string) (upload.DeleteResult, error) {
	if len(ids) == 0 {
		return upload.DeleteResult{}, nil
	}

	params := make([]any, len(ids))
	for i, id := range ids {
		params[i] = id
	}

	fileRows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, field_key, field_value, field_type
		FROM submissions
		WHERE field_type = 'file' AND submission_id IN (`+placeholders(len(ids))+`)`,
		params...,
	)
	if err != nil {
		return upload.DeleteResult{}, errors.Wrap(err, "db.bulk_delete.files")
	}
	defer fileRows.Close()

	var fileFields []model.Field
	for fileRows.Next() {
		var f model.Field
		if err := fileRows.Scan(&f.SubmissionID, &f.Key, &f.Value, &f.Type); err != nil {
			return upload.DeleteResult{}, errors.Wrap(err, "db.bulk_delete.files.scan")
		}
		fileFields = append(fileFields, f)
	}
	if err := fileRows.Err(); err != nil {
		return upload.DeleteResult{}, errors.Wrap(err, "db.bulk_delete.files")
	}
	fileRows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return upload.DeleteResult{}, errors.Wrap(err, "db.begin_tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"DELETE FROM submissions WHERE submission_id IN ("+placeholders(len(ids))+")",
		params...,
	)
	if err != nil {
		return upload.DeleteResult{}, errors.Wrap(err, "db.bulk_delete")
	}
	_, err = tx.ExecContext(ctx,
		"DELETE FROM logs WHERE submission_id IN ("+placeholders(len(ids))+")",
		params...,
	)
	if err != nil {
		return upload.DeleteResult{}, errors.Wrap(err, "db.bulk_delete.logs")
	}
	if err := tx.Commit(); err != nil {
		return upload.DeleteResult{}, errors.Wrap(err, "db.bulk_delete.commit")
	}

	return s.files.DeleteFiles(upload.ExtractPaths(fileFields)), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
