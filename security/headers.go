package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

type nonceKey struct{}

// Inline scripts shipped with the admin pages, allowed by hash.
var inlineScriptHashes = []string{
	"'sha256-dVks1+4qkxhJVYy9bO7UKhd0mPeZ7xLAs1rfZCQ1XIc='",
	"'sha256-wfTMbI4zgsVuETB9U7VnbA3H3auqMr7HfVO/NfMEd7A='",
}

// Headers sets the baseline security headers on every response, plus a
// scope-conditional Content-Security-Policy: strict (nonce + hash allow-list)
// for paths under any of the admin prefixes, permissive for the public embed
// surface, which may be framed and scripted from anywhere.
func Headers(adminPrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("X-Content-Type-Options", "nosniff")
			header.Set("Referrer-Policy", "strict-origin-when-cross-origin")

			admin := false
			for _, prefix := range adminPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					admin = true
					break
				}
			}

			if admin {
				nonce := newNonce()
				header.Set("Content-Security-Policy",
					"default-src 'self'; "+
						"script-src 'self' 'nonce-"+nonce+"' "+strings.Join(inlineScriptHashes, " ")+"; "+
						"style-src 'self' 'unsafe-inline'; "+
						"img-src 'self' data:; "+
						"font-src 'self';")
				header.Set("X-Frame-Options", "SAMEORIGIN")

				ctx := context.WithValue(r.Context(), nonceKey{}, nonce)
				r = r.WithContext(ctx)
			} else {
				header.Set("Content-Security-Policy",
					"default-src * 'unsafe-inline' data:; frame-ancestors *;")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Nonce returns the per-request CSP nonce, or "" outside the admin scope.
func Nonce(ctx context.Context) string {
	nonce, _ := ctx.Value(nonceKey{}).(string)
	return nonce
}

func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
