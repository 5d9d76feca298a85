// Package handler implements the engine's REST endpoints.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pivengine/internal/domain"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"kind":"internal","reason":"encode response"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type errorResponse struct {
	Error *domain.ErrorInfo `json:"error"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState, domain.KindAlreadyMigrated:
		return http.StatusConflict
	case domain.KindSlippageExceeded:
		return http.StatusUnprocessableEntity
	case domain.KindOracleTimeout, domain.KindPriceUnavailable, domain.KindAdapterUnavailable, domain.KindDownstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the API error envelope. Server-side failures
// are logged.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	info := domain.InfoOf(err)
	status := statusFor(info.Kind)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("kind", string(info.Kind)),
			slog.String("error", err.Error()),
		)
	}
	if status == http.StatusServiceUnavailable && domain.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: info})
}

func badRequest(reason string) error {
	return domain.NewError(domain.KindValidation, reason)
}

// decodeJSON reads a single JSON object into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var syntax *json.SyntaxError
		var typ *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return badRequest("empty request body")
		case errors.As(err, &syntax), errors.As(err, &typ):
			return badRequest("malformed request body: " + err.Error())
		default:
			return badRequest("invalid request body: " + err.Error())
		}
	}
	return nil
}

// requireOwner reads the owner query parameter.
func requireOwner(r *http.Request) (string, error) {
	owner := domain.NormalizeOwner(r.URL.Query().Get("owner"))
	if owner == "" {
		return "", badRequest("owner query parameter required")
	}
	return owner, nil
}
