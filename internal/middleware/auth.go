package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Auth rejects requests that do not carry the configured bearer token.
func Auth(next http.HandlerFunc, authToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no token is configured
		if authToken == "" {
			next(w, r)
			return
		}

		token := r.Header.Get("Authorization")
		if token == "" {
			unauthorized(w, "unauthorized: no token provided")
			return
		}

		if !TokenMatches(token, authToken) {
			unauthorized(w, "unauthorized: invalid token")
			return
		}

		next(w, r)
	}
}

// TokenMatches compares a presented credential, with or without the Bearer
// prefix, against the expected token in constant time.
func TokenMatches(presented, expected string) bool {
	presented = strings.TrimPrefix(presented, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
