package httpx

import (
	"database/sql"

	"github.com/go-chi/oauth"
	"github.com/mbolis/quick-intake/config"
	"github.com/mbolis/quick-intake/security"
)

func NewBearerServer(db *sql.DB, cfg config.Config, gateway *security.Gateway) *oauth.BearerServer {
	return oauth.NewBearerServer(
		cfg.TokenSecret,
		cfg.TokenTTL,
		CredentialsVerifier(db, gateway),
		nil,
	)
}
