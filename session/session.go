package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

const CookieName = "qi_session"

type ctxKey struct{}

// Session carries per-client state for the public intake surface.
// The CSRF token is the only payload.
type Session struct {
	ID string

	mu        sync.Mutex
	csrfToken string
	expires   time.Time
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrfToken
}

func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfToken = token
}

// Store is an in-process session registry, the analogue of server-local
// session files. Sessions expire after the configured TTL of inactivity.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	ttl       time.Duration
	lastSweep time.Time
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions:  map[string]*Session{},
		ttl:       ttl,
		lastSweep: time.Now(),
	}
}

func (st *Store) lookup(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if now.Sub(st.lastSweep) > st.ttl {
		for id, sess := range st.sessions {
			if now.After(sess.expires) {
				delete(st.sessions, id)
			}
		}
		st.lastSweep = now
	}

	sess := st.sessions[id]
	if sess == nil || now.After(sess.expires) {
		return nil
	}
	sess.expires = now.Add(st.ttl)
	return sess
}

func (st *Store) create() *Session {
	id := uuid.Must(uuid.NewV4()).String()
	sess := &Session{ID: id, expires: time.Now().Add(st.ttl)}

	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()
	return sess
}

// Middleware ensures every request carries a live session, creating one and
// setting the cookie as needed.
func (st *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sess *Session
		if cookie, err := r.Cookie(CookieName); err == nil {
			sess = st.lookup(cookie.Value)
		}
		if sess == nil {
			sess = st.create()
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    sess.ID,
				Path:     "/",
				HttpOnly: true,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(ctxKey{}).(*Session)
	return sess
}
