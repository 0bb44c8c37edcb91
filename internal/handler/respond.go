package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavelanni/quizforge/internal/evaluate"
	appI18n "github.com/pavelanni/quizforge/internal/i18n"
	"github.com/pavelanni/quizforge/internal/ingest"
	"github.com/pavelanni/quizforge/internal/model"
	"github.com/pavelanni/quizforge/internal/session"
)

var (
	errBadRequest        = errors.New("bad request")
	errUnauthorized      = errors.New("unauthorized")
	errNoSession         = errors.New("no session cookie")
	errExportUnavailable = errors.New("export not supported by the configured store")
)

// apiError is the JSON body of a failed request.
type apiError struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is checked in order with errors.Is. Codes double as message IDs.
var errorMappings = []errorMapping{
	{errBadRequest, http.StatusBadRequest, "ErrBadRequest"},
	{errNoSession, http.StatusBadRequest, "ErrBadRequest"},
	{errUnauthorized, http.StatusUnauthorized, "ErrUnauthorized"},
	{errExportUnavailable, http.StatusNotFound, "ErrExportUnavailable"},
	{model.ErrInvalidConfig, http.StatusBadRequest, "ErrInvalidConfig"},
	{session.ErrInvalidMode, http.StatusBadRequest, "ErrInvalidMode"},
	{session.ErrNoDocuments, http.StatusBadRequest, "ErrNoDocuments"},
	{session.ErrTooManyDocuments, http.StatusBadRequest, "ErrTooManyDocuments"},
	{session.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "ErrPayloadTooLarge"},
	{ingest.ErrUnsupportedFormat, http.StatusBadRequest, "ErrUnsupportedFormat"},
	{ingest.ErrUnreadable, http.StatusBadRequest, "ErrUnreadableDocument"},
	{evaluate.ErrKindMismatch, http.StatusBadRequest, "ErrInvalidAnswer"},
	{evaluate.ErrEmptySelection, http.StatusBadRequest, "ErrEmptySelection"},
	{session.ErrWrongStage, http.StatusConflict, "ErrWrongStage"},
	{session.ErrWrongMode, http.StatusConflict, "ErrWrongMode"},
	{session.ErrBusy, http.StatusConflict, "ErrBusy"},
	{session.ErrAlreadyAnswered, http.StatusConflict, "ErrAlreadyAnswered"},
	{session.ErrDocumentsUnavailable, http.StatusConflict, "ErrDocumentsUnavailable"},
	{session.ErrClosed, http.StatusServiceUnavailable, "ErrInternal"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps err to a status code and a localized message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorData(w, r, err, nil)
}

// writeErrorData is writeError with template data for the message.
func writeErrorData(w http.ResponseWriter, r *http.Request, err error, data map[string]any) {
	status, code := http.StatusInternalServerError, "ErrInternal"
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			status, code = m.status, m.code
			break
		}
	}

	body := apiError{Code: code, Error: appI18n.Td(r.Context(), code, data)}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
		body.Detail = err.Error()
	}
	writeJSON(w, status, body)
}
