package statuses

import (
	"context"
	"database/sql"
	"strings"

	"github.com/mbolis/quick-intake/model"
	"github.com/mbolis/quick-intake/settings"
	"github.com/pkg/errors"
)

// Store manages the open set of status labels a submission can take.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db}
}

func (s *Store) All(ctx context.Context) ([]model.Status, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, status, color FROM statuses ORDER BY status ASC")
	if err != nil {
		return nil, errors.Wrap(err, "statuses.all")
	}
	defer rows.Close()

	var all []model.Status
	for rows.Next() {
		var st model.Status
		if err := rows.Scan(&st.ID, &st.Status, &st.Color); err != nil {
			return nil, errors.Wrap(err, "statuses.all.scan")
		}
		all = append(all, st)
	}
	return all, rows.Err()
}

func (s *Store) Names(ctx context.Context) ([]string, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(all))
	for i, st := range all {
		names[i] = st.Status
	}
	return names, nil
}

func (s *Store) Exists(ctx context.Context, status string) (bool, error) {
	var id int
	err := s.db.
		QueryRowContext(ctx, "SELECT id FROM statuses WHERE status = ?", status).
		Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "statuses.exists")
	}
	return true, nil
}

func (s *Store) Create(ctx context.Context, status, color string) error {
	if color == "" {
		color = "sky"
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO statuses (status, color) VALUES (?, ?)", status, color)
	return errors.Wrap(err, "statuses.create")
}

func (s *Store) Delete(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM statuses WHERE id = ?", id)
	return errors.Wrap(err, "statuses.delete")
}

func (s *Store) ColorMap(ctx context.Context) (map[string]string, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	colors := map[string]string{}
	for _, st := range all {
		colors[st.Status] = st.Color
	}
	return colors, nil
}

// Default resolves the initial status for new submissions: the configured
// default if it matches a known label (case-insensitive), otherwise "pending",
// or the alphabetically-first label when "pending" is not configured.
func (s *Store) Default(ctx context.Context, set *settings.Store) string {
	names, err := s.Names(ctx)
	if err != nil {
		names = nil
	}

	if configured := set.Get(ctx, settings.KeyDefaultStatus, ""); configured != "" {
		for _, name := range names {
			if strings.EqualFold(name, configured) {
				return name
			}
		}
	}

	for _, name := range names {
		if name == "pending" {
			return name
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return "pending"
}
