package session

import (
	"context"
	"errors"

	"github.com/pavelanni/quizforge/internal/model"
)

var (
	ErrWrongStage           = errors.New("action not allowed in current stage")
	ErrWrongMode            = errors.New("action not allowed in current mode")
	ErrInvalidMode          = errors.New("unknown session mode")
	ErrBusy                 = errors.New("a generation request is already in flight")
	ErrAlreadyAnswered      = errors.New("question already answered")
	ErrNoDocuments          = errors.New("no documents uploaded")
	ErrTooManyDocuments     = errors.New("too many documents")
	ErrPayloadTooLarge      = errors.New("documents exceed the size limit")
	ErrDocumentsUnavailable = errors.New("document payload is no longer available")
	ErrBadBatch             = errors.New("question source returned an unusable batch")
	ErrClosed               = errors.New("session closed")
)

// Source produces question batches and performance reports. Implementations
// talk to an external generator and may fail at any time.
type Source interface {
	// Generate returns exactly req.Count questions or an error.
	Generate(ctx context.Context, req model.GenerateRequest) ([]model.Question, error)
	// Analyze writes a report over answered questions.
	Analyze(ctx context.Context, history []model.Question) (model.PerformanceReport, error)
}

// Store persists the non-binary session state under a key. Load returns nil
// data and a nil error when nothing is stored.
type Store interface {
	SaveSnapshot(ctx context.Context, key string, data []byte) error
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, key string) error
}
