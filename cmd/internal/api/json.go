package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"chatter/cmd/internal/chat"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// writeServiceError maps chat error kinds onto HTTP statuses. Hidden and
// absent chats share one response.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	var opErr chat.OpError
	var conflict chat.ConflictError

	switch {
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case chat.IsMalformedCursor(err):
		writeError(w, http.StatusBadRequest, "malformed_cursor", "malformed cursor")
	case errors.Is(err, chat.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.As(err, &conflict):
		msg := "already exists"
		if conflict.Field != "" {
			msg = conflict.Field + " already taken"
		}
		writeError(w, http.StatusConflict, "conflict", msg)
	case chat.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "already exists")
	case chat.IsInvalidInput(err):
		msg := "invalid input"
		if errors.As(err, &opErr) && opErr.Msg != "" {
			msg = opErr.Msg
		}
		writeError(w, http.StatusBadRequest, "invalid_input", msg)
	default:
		log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
