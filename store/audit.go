package store

import (
	"context"

	"github.com/mbolis/quick-intake/model"
	"github.com/pkg/errors"
)

// AuditLog returns the audit trail of one submission, oldest first.
func (s *Store) AuditLog(ctx context.Context, submissionID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, action, COALESCE(performed_by, ''), COALESCE(details, ''), created_at
		FROM logs
		WHERE submission_id = ?
		ORDER BY id ASC`,
		submissionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "db.get_audit_log")
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.SubmissionID, &e.Action, &e.PerformedBy, &e.Details, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "db.get_audit_log.scan")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
