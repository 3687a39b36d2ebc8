package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/chainbot/internal/crypto"
)

// maxSignedBody caps the body read for signature verification.
const maxSignedBody = 1 << 20

// Auth admits a request that carries the API key (Bearer token or X-API-Key
// header) or a valid HMAC signature from signer. With no key and no signer
// configured every request passes. Paths in open skip the check.
func Auth(apiKey string, signer *crypto.RequestSigner, open ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if (apiKey == "" && signer == nil) || skip[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			if token := extractToken(r); token != "" && apiKey != "" {
				if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}

			sig := r.Header.Get(crypto.HeaderSignature)
			if signer != nil && sig != "" {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
				if err != nil {
					writeError(w, http.StatusBadRequest, "read body")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				err = signer.Verify(r.Method, r.URL.Path, string(body), r.Header.Get(crypto.HeaderTimestamp), sig, time.Now())
				if err != nil {
					writeError(w, http.StatusUnauthorized, "invalid request signature")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			writeError(w, http.StatusUnauthorized, "missing authentication")
		})
	}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	// Browsers cannot set headers on websocket upgrades.
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
