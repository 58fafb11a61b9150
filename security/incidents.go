package security

import (
	"context"

	"github.com/mbolis/quick-intake/model"
	"github.com/pkg/errors"
)

// Incidents returns the most recent security events, newest first.
func (g *Gateway) Incidents(ctx context.Context, limit int) ([]model.Incident, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, type, incident_details, COALESCE(extra_data, ''), COALESCE(ip_address, ''), created_at
		FROM security_log
		ORDER BY id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "security.incidents")
	}
	defer rows.Close()

	var incidents []model.Incident
	for rows.Next() {
		var inc model.Incident
		if err := rows.Scan(&inc.ID, &inc.Type, &inc.Details, &inc.Extra, &inc.IP, &inc.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "security.incidents.scan")
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
