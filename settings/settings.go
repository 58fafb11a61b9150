package settings

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/pkg/errors"
)

// Well-known keys. All of them are optional; callers pass a fallback.
const (
	KeyUploadLimit        = "upload_limit"        // per-file limit, MB
	KeyGlobalUploadLimit  = "global_upload_limit" // per-request limit, MB
	KeyDefaultStatus      = "default_status"
	KeyAllowedOrigins     = "allowed_origins" // comma-separated, exact match
	KeyMaxFields          = "max_submission_fields"
	KeyMaxKeyLength       = "max_key_length"
	KeyMaxValueLength     = "max_value_length"
	KeySMTPHost           = "smtp_host"
	KeySMTPPort           = "smtp_port"
	KeySMTPUser           = "smtp_user"
	KeySMTPPass           = "smtp_pass"
	KeySMTPFromEmail      = "smtp_from_email"
	KeySMTPFromName       = "smtp_from_name"
	KeyAdminRecipient     = "admin_recipient_email"
	KeyAdminTemplate      = "admin_email_template"
	KeyUserTemplate       = "confirmation_email_template"
	KeyEnableAdminMail    = "enable_admin_notification"
	KeyEnableUserMail     = "enable_confirmation_email"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db}
}

// Get returns the stored value, or fallback when the key is absent.
func (s *Store) Get(ctx context.Context, key, fallback string) string {
	var value string
	err := s.db.
		QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).
		Scan(&value)
	if err != nil {
		return fallback
	}
	return value
}

func (s *Store) GetInt(ctx context.Context, key string, fallback int) int {
	value := s.Get(ctx, key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func (s *Store) GetBool(ctx context.Context, key string) bool {
	return s.Get(ctx, key, "0") == "1"
}

func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, errors.Wrap(err, "settings.all")
	}
	defer rows.Close()

	all := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.Wrap(err, "settings.all.scan")
		}
		all[key] = value
	}
	return all, rows.Err()
}

func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return errors.Wrap(err, "settings.put")
}
