package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError writes the API error envelope used by the handlers.
func writeError(w http.ResponseWriter, status int, kind, reason string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": kind, "reason": reason},
	})
}
