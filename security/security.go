package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mbolis/quick-intake/log"
	"github.com/mbolis/quick-intake/session"
	"github.com/mbolis/quick-intake/settings"
	"github.com/pkg/errors"
)

// Incident types recorded in the security log.
const (
	IncidentLoginAttempt       = "login_attempt"
	IncidentLoginSuccess       = "login_success"
	IncidentRateLimitExceeded  = "rate_limit_exceeded"
	IncidentUnauthorizedOrigin = "unauthorized_origin"
	IncidentCSRFFailure        = "csrf_failure"
	IncidentSubmission         = "submission"
	IncidentMailError          = "mail_error"
)

// Default rate-limit budgets.
const (
	LoginAttemptLimit  = 15
	LoginAttemptWindow = 180 * time.Second
	SubmissionLimit    = 10
	SubmissionWindow   = time.Hour
)

// Error is a terminal security rejection. Message is what the client sees;
// it is kept generic on purpose, details go to the incident log only.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

type Gateway struct {
	db       *sql.DB
	settings *settings.Store
}

func NewGateway(db *sql.DB, settings *settings.Store) *Gateway {
	return &Gateway{db, settings}
}

// IssueToken returns the session's CSRF token, minting one on first use.
func (g *Gateway) IssueToken(sess *session.Session) string {
	if token := sess.Token(); token != "" {
		return token
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read only fails if the OS entropy source is broken
		panic(err)
	}
	token := hex.EncodeToString(buf)
	sess.SetToken(token)
	return token
}

// VerifyToken reports whether candidate matches the session's token.
// Side-effect free, constant-time comparison.
func (g *Gateway) VerifyToken(sess *session.Session, candidate string) bool {
	if sess == nil || candidate == "" {
		return false
	}
	token := sess.Token()
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1
}

// LogIncident appends an event to the security log. extra is serialized to
// JSON when non-nil.
func (g *Gateway) LogIncident(ctx context.Context, incidentType, details string, extra any, ip string) {
	var extraJSON sql.NullString
	if extra != nil {
		buf, err := json.Marshal(extra)
		if err == nil {
			extraJSON = sql.NullString{String: string(buf), Valid: true}
		}
	}

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO security_log (type, incident_details, extra_data, ip_address)
		VALUES (?, ?, ?, ?)`,
		incidentType, details, extraJSON, ip,
	)
	if err != nil {
		log.Errorf("security.log_incident: %s", err)
	}
}

// CheckRateLimit counts incidents of incidentType from identifier within the
// trailing window and reports whether the caller is still under limit.
// This is a sliding-window approximation over the incident log; concurrent
// checks may overshoot slightly.
func (g *Gateway) CheckRateLimit(ctx context.Context, identifier, incidentType string, limit int, window time.Duration) (bool, error) {
	var count int
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_log
		WHERE type = ?
			AND ip_address = ?
			AND created_at > datetime('now', '-' || ? || ' seconds')`,
		incidentType, identifier, int(window.Seconds()),
	).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "security.rate_limit")
	}
	return count < limit, nil
}

// AdmitOrigin applies the cross-origin admission policy. Same-origin requests
// (or requests without an Origin header) pass through untouched. Cross-origin
// requests are admitted only on an exact allow-list match, echoing the CORS
// headers back. Rejections are logged as incidents.
func (g *Gateway) AdmitOrigin(w http.ResponseWriter, r *http.Request) error {
	w.Header().Add("Vary", "Origin")

	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host == r.Host {
		return nil
	}

	allowedList := g.settings.Get(r.Context(), settings.KeyAllowedOrigins, "")
	for _, allowed := range strings.Split(allowedList, ",") {
		if strings.TrimSpace(allowed) == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			return nil
		}
	}

	g.LogIncident(r.Context(), IncidentUnauthorizedOrigin,
		"Unauthorized origin: "+origin, nil, g.ClientIP(r))
	return &Error{Code: "origin", Message: "Unauthorized origin"}
}

// Admit is the full admission gate for state-changing public requests:
// cross-origin requests must pass the allow-list, same-origin requests must
// carry a valid CSRF token.
func (g *Gateway) Admit(w http.ResponseWriter, r *http.Request, sess *session.Session, csrfToken string) error {
	origin := r.Header.Get("Origin")
	crossOrigin := false
	if origin != "" {
		parsed, err := url.Parse(origin)
		crossOrigin = err != nil || parsed.Host != r.Host
	}

	if crossOrigin {
		return g.AdmitOrigin(w, r)
	}

	w.Header().Add("Vary", "Origin")
	if !g.VerifyToken(sess, csrfToken) {
		g.LogIncident(r.Context(), IncidentCSRFFailure,
			"CSRF token mismatch", nil, g.ClientIP(r))
		return &Error{Code: "csrf", Message: "Security validation failed (CSRF)"}
	}
	return nil
}

// ClientIP derives the client address, preferring proxy headers over the raw
// connection address. The forwarded headers are trusted on faith: deployments
// not behind a trusted proxy should not expose them.
func (g *Gateway) ClientIP(r *http.Request) string {
	ip := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if real := r.Header.Get("X-Real-IP"); real != "" {
		ip = strings.TrimSpace(real)
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}

	if ip == "::1" {
		ip = "127.0.0.1"
	}
	return ip
}
