package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/auth"
	"github.com/workmarket/backend/internal/gateway"
	"github.com/workmarket/backend/internal/middleware"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult answers a mutation. An idempotent error means the work was
// done before: the client gets 200 with a note and, when present, v.
func writeResult(w http.ResponseWriter, logger *slog.Logger, status int, v interface{}, err error) {
	if err == nil {
		writeJSON(w, status, v)
		return
	}
	if apperr.IsIdempotent(err) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"note": err.Error(), "result": v})
		return
	}
	writeError(w, logger, err)
}

// writeError maps err to a status code. Internal errors are logged and
// hidden from the client; gateway refusals carry the gateway's code.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	body := map[string]string{"error": err.Error(), "kind": apperr.Kind(err)}

	var gwErr *gateway.Error
	switch {
	case errors.As(err, &gwErr):
		body["error"] = gwErr.Message
		body["gateway_code"] = gwErr.Code
		logger.Warn("gateway refused request", "method", gwErr.Method, "code", gwErr.Code, "message", gwErr.Message)
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "error", err)
		body = map[string]string{"error": "internal error", "kind": apperr.KindInternal}
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		http.Error(w, `{"error":"invalid `+name+`"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// queryLimit reads ?limit=, 0 when absent. Stores clamp 0 and oversized
// values to their default.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := middleware.PrincipalFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}
	return p, ok
}

func logOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
