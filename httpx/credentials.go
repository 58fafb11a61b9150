package httpx

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/oauth"
	"github.com/mbolis/quick-intake/security"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

type credentialsVerifier struct {
	db      *sql.DB
	gateway *security.Gateway
}

func CredentialsVerifier(db *sql.DB, gateway *security.Gateway) oauth.CredentialsVerifier {
	return &credentialsVerifier{db, gateway}
}

func (cs *credentialsVerifier) ValidateUser(username string, password string, scope string, r *http.Request) error {
	ctx := r.Context()
	ip := cs.gateway.ClientIP(r)

	ok, err := cs.gateway.CheckRateLimit(ctx, ip, security.IncidentLoginAttempt,
		security.LoginAttemptLimit, security.LoginAttemptWindow)
	if err != nil {
		return err
	}
	if !ok {
		cs.gateway.LogIncident(ctx, security.IncidentRateLimitExceeded,
			"Too many login attempts", map[string]string{"ip": ip}, ip)
		return errors.New("too many attempts")
	}

	var hash []byte
	var role string
	var locked bool
	err = cs.db.
		QueryRowContext(ctx, "SELECT password_hash, role, locked FROM user WHERE username=? OR email=?", username, username).
		Scan(&hash, &role, &locked)
	if err == nil && locked {
		err = errors.New("account is locked")
	}
	if err == nil {
		err = bcrypt.CompareHashAndPassword(hash, []byte(password))
	}

	if err != nil {
		cs.gateway.LogIncident(ctx, security.IncidentLoginAttempt,
			"Failed login for "+username, nil, ip)
		return err
	}

	cs.gateway.LogIncident(ctx, security.IncidentLoginSuccess,
		"User "+username+" logged in", nil, ip)
	return nil
}

func (cs *credentialsVerifier) StoreTokenID(tokenType oauth.TokenType, credential string, tokenID string, refreshTokenID string) error {
	_, err := cs.db.Exec(
		"INSERT INTO token (username, token_id, refresh_token_id, expiration) VALUES (?, ?, ?, ?)",
		credential,
		tokenID,
		refreshTokenID,
		time.Now().Add(8760*time.Hour),
	)
	return err
}

func (cs *credentialsVerifier) ValidateTokenID(tokenType oauth.TokenType, credential string, tokenID string, refreshTokenID string) error {
	var expiration time.Time
	var ok bool

	cs.db.
		QueryRow(`
			DELETE FROM token
			WHERE username = ?
				AND token_id = ?
				AND refresh_token_id = ?
			RETURNING expiration, 1`,
			credential,
			tokenID,
			refreshTokenID,
		).
		Scan(&expiration, &ok)
	if !ok {
		return errors.New("could not refresh")
	}

	if expiration.Before(time.Now()) {
		return errors.New("could not refresh")
	}
	return nil
}

func (cs *credentialsVerifier) AddClaims(tokenType oauth.TokenType, credential string, tokenID string, scope string, r *http.Request) (map[string]string, error) {
	var role string
	err := cs.db.
		QueryRowContext(r.Context(), "SELECT role FROM user WHERE username=? OR email=?", credential, credential).
		Scan(&role)
	if err != nil {
		return nil, err
	}
	return map[string]string{"roles": role}, nil
}

func (*credentialsVerifier) AddProperties(tokenType oauth.TokenType, credential string, tokenID string, scope string, r *http.Request) (map[string]string, error) {
	return map[string]string{}, nil
}

func (*credentialsVerifier) ValidateClient(clientID string, clientSecret string, scope string, r *http.Request) error {
	return errors.New("not supported")
}
