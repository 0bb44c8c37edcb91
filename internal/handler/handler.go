package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/quizforge/internal/i18n"
	"github.com/pavelanni/quizforge/internal/ingest"
	"github.com/pavelanni/quizforge/internal/model"
	"github.com/pavelanni/quizforge/internal/session"
)

const (
	maxJSONBody      = 1 << 20
	multipartMemory  = 8 << 20
	multipartSlack   = 1 << 20
	documentsField   = "documents"
	maxUploadRequest = model.MaxTotalDocumentBytes + multipartSlack
)

// Config holds HTTP surface settings.
type Config struct {
	// BasePath is the URL prefix for sub-path deployments, without trailing slash.
	BasePath string
	// SecureCookies sets the Secure flag on cookies.
	SecureCookies bool
	// AccessPasswordHash is a bcrypt hash of the shared access password.
	// Empty disables the check.
	AccessPasswordHash []byte
}

// Exporter dumps all persisted sessions.
type Exporter interface {
	ExportAllSessions(ctx context.Context) (model.SessionExport, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	sessions *session.Manager
	exporter Exporter
	health   func(context.Context) error
	config   Config
}

// New creates a new Handler. exporter and health may be nil.
func New(m *session.Manager, exporter Exporter, health func(context.Context) error, cfg Config) *Handler {
	return &Handler{sessions: m, exporter: exporter, health: health, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAccess)
		r.Use(h.csrfMiddleware)

		r.Route("/api/session", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Get("/ws", h.handleStream)
			r.Post("/mode", h.handleSelectMode)
			r.Post("/documents", h.handleUpload)
			r.Post("/start", h.handleStart)
			r.Post("/answer", h.handleAnswer)
			r.Post("/next", h.handleNext)
			r.Post("/difficulty", h.handleDifficulty)
			r.Post("/end", h.handleEnd)
			r.Post("/reset", h.handleReset)
		})

		r.Get("/api/admin/stats", h.handleStats)
		r.Get("/api/admin/export", h.handleExport)
	})
}

// sessionView is the JSON shape of a session as seen by the browser.
type sessionView struct {
	model.Snapshot
	ScoreText    string `json:"score_text"`
	MaxDocuments int    `json:"max_documents,omitempty"`
}

// view localizes snap and hides answer keys of unanswered questions. Snapshots
// may be shared between subscribers, so snap is never modified.
func view(ctx context.Context, snap model.Snapshot) sessionView {
	if snap.Notice != nil {
		notice := *snap.Notice
		notice.Text = appI18n.T(ctx, notice.ID)
		snap.Notice = &notice
	}
	snap.Questions = slices.Clone(snap.Questions)
	for i, q := range snap.Questions {
		if q.Answered() {
			continue
		}
		q.Explanation = ""
		switch b := q.Body.(type) {
		case model.MultipleChoice:
			b.CorrectIndices = nil
			q.Body = b
		case model.ShortAnswer:
			b.SampleAnswer = ""
			q.Body = b
		}
		snap.Questions[i] = q
	}
	v := sessionView{
		Snapshot:  snap,
		ScoreText: appI18n.Tp(ctx, "ScoreLine", snap.Score.Total, map[string]any{"Correct": snap.Score.Correct}),
	}
	if snap.Mode.Valid() {
		v.MaxDocuments = snap.Mode.MaxDocuments()
	}
	return v
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "sessions": h.sessions.Len()}
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			slog.Warn("health check failed", "error", err)
			status = http.StatusServiceUnavailable
			body["status"] = "unavailable"
		}
	}
	writeJSON(w, status, body)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	o := h.orchestrator(w, r)
	writeJSON(w, http.StatusOK, view(r.Context(), o.Snapshot()))
}

// respond writes the session state after an intent, or the intent error.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, o *session.Orchestrator, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(r.Context(), o.Snapshot()))
}

func (h *Handler) handleSelectMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode model.Mode `json:"mode"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o := h.orchestrator(w, r)
	h.respond(w, r, o, o.SelectMode(req.Mode))
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	o := h.orchestrator(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadRequest)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, fmt.Errorf("%w: request exceeds %d bytes", session.ErrPayloadTooLarge, tooBig.Limit))
			return
		}
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	mode := o.Snapshot().Mode
	limit := map[string]any{"Max": mode.MaxDocuments()}
	docs, err := ingest.Files(mode, r.MultipartForm.File[documentsField])
	if err != nil {
		writeErrorData(w, r, err, limit)
		return
	}
	slog.Info("received documents", "count", len(docs), "mode", mode)
	if err := o.Upload(docs); err != nil {
		writeErrorData(w, r, err, limit)
		return
	}
	writeJSON(w, http.StatusOK, view(r.Context(), o.Snapshot()))
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg model.SessionConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, r, err)
		return
	}
	o := h.orchestrator(w, r)
	h.respond(w, r, o, o.Start(cfg))
}

type answerRequest struct {
	Selected []int   `json:"selected"`
	Response *string `json:"response"`
}

func (a answerRequest) answer() (model.Answer, error) {
	switch {
	case a.Response != nil && a.Selected != nil:
		return nil, fmt.Errorf("%w: both selected and response given", errBadRequest)
	case a.Response != nil:
		return model.TextResponse(*a.Response), nil
	case a.Selected != nil:
		return model.Selection(a.Selected), nil
	}
	return nil, fmt.Errorf("%w: no answer given", errBadRequest)
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	answer, err := req.answer()
	if err != nil {
		writeError(w, r, err)
		return
	}
	o := h.orchestrator(w, r)
	h.respond(w, r, o, o.Submit(answer))
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	o := h.orchestrator(w, r)
	h.respond(w, r, o, o.Advance())
}

func (h *Handler) handleDifficulty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Difficulty model.Difficulty `json:"difficulty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o := h.orchestrator(w, r)
	h.respond(w, r, o, o.ChangeDifficulty(req.Difficulty))
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	o := h.orchestrator(w, r)
	h.respond(w, r, o, o.End())
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	o := h.orchestrator(w, r)
	h.respond(w, r, o, o.Reset())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
