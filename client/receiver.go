package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/idot-digital/webhook-broker/internal/signature"
)

const maxNotificationBytes = 1 << 20

// HandlerFunc processes one verified notification.
type HandlerFunc func(ctx context.Context, n Notification) error

// Receiver returns the http.Handler for a module's callback URL. It answers
// 401 when the X-Signature header does not match the body, 400 when the body
// is not a notification, 500 when fn fails and 204 otherwise.
func Receiver(secret string, fn HandlerFunc) http.Handler {
	signer := signature.New(secret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		if !signer.Verify(body, r.Header.Get(signature.Header)) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		var n Notification
		if err := json.Unmarshal(body, &n); err != nil || n.Event == "" {
			writeError(w, http.StatusBadRequest, "invalid notification")
			return
		}

		if err := fn(r.Context(), n); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
