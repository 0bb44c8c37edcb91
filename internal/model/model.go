package model

import (
	"errors"
	"fmt"
	"slices"
)

// Mode selects the session flavor.
type Mode string

const (
	// ModeQuiz is the unbounded quick-quiz: one live question, batches fetched lazily.
	ModeQuiz Mode = "quiz"
	// ModeExam is the bounded exam: fixed question list, timer and final report.
	ModeExam Mode = "exam"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeQuiz || m == ModeExam
}

// MaxDocuments returns how many documents a session of mode m accepts.
func (m Mode) MaxDocuments() int {
	if m == ModeExam {
		return 5
	}
	return 1
}

// MaxTotalDocumentBytes bounds the aggregate size of uploaded documents.
const MaxTotalDocumentBytes = 40 << 20

// Stage is the lifecycle position of a session.
type Stage string

const (
	StageChoosingMode Stage = "choosing_mode"
	StageUploading    Stage = "uploading"
	StageConfiguring  Stage = "configuring"
	StageQuiz         Stage = "quiz"
	StageSummary      Stage = "summary"
	StageReport       Stage = "report"
)

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyLow    Difficulty = "low"
	DifficultyMedium Difficulty = "medium"
	DifficultyHigh   Difficulty = "high"
)

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyLow, DifficultyMedium, DifficultyHigh:
		return true
	}
	return false
}

// QuestionType restricts which question kinds a batch may contain.
type QuestionType string

const (
	TypeMCQ  QuestionType = "mcq"
	TypeText QuestionType = "text"
	TypeBoth QuestionType = "both"
)

// Allows reports whether a question of kind k may appear under t.
func (t QuestionType) Allows(k Kind) bool {
	switch t {
	case TypeBoth:
		return k == KindMCQ || k == KindText
	case TypeMCQ:
		return k == KindMCQ
	case TypeText:
		return k == KindText
	}
	return false
}

// DocumentKind is the format of an uploaded source document.
type DocumentKind string

const (
	DocumentPDF  DocumentKind = "pdf"
	DocumentDOCX DocumentKind = "docx"
)

// SourceDocument is one uploaded study document. PDFs carry raw bytes in Data,
// DOCX files carry their extracted text in Text.
type SourceDocument struct {
	Name string       `json:"name"`
	Kind DocumentKind `json:"kind"`
	Data []byte       `json:"-"`
	Text string       `json:"-"`
}

// HasPayload reports whether the document content is still held in memory.
func (d SourceDocument) HasPayload() bool {
	return len(d.Data) > 0 || d.Text != ""
}

// Size returns the payload size in bytes.
func (d SourceDocument) Size() int {
	return len(d.Data) + len(d.Text)
}

// ErrInvalidConfig is returned for configurations rejected before any request is issued.
var ErrInvalidConfig = errors.New("invalid session config")

// SessionConfig holds the parameters of a generation request.
type SessionConfig struct {
	QuestionCount    int          `json:"question_count"`
	Difficulties     []Difficulty `json:"difficulties"`
	QuestionType     QuestionType `json:"question_type"`
	TimeLimitMinutes int          `json:"time_limit_minutes"`
}

// Validate checks the config and returns a normalized copy with duplicate
// difficulties removed.
func (c SessionConfig) Validate() (SessionConfig, error) {
	if c.QuestionCount < 1 {
		return c, fmt.Errorf("%w: question count must be at least 1, got %d", ErrInvalidConfig, c.QuestionCount)
	}
	if c.TimeLimitMinutes < 1 {
		return c, fmt.Errorf("%w: time limit must be at least 1 minute, got %d", ErrInvalidConfig, c.TimeLimitMinutes)
	}
	switch c.QuestionType {
	case TypeMCQ, TypeText, TypeBoth:
	default:
		return c, fmt.Errorf("%w: unknown question type %q", ErrInvalidConfig, c.QuestionType)
	}
	if len(c.Difficulties) == 0 {
		return c, fmt.Errorf("%w: at least one difficulty is required", ErrInvalidConfig)
	}
	var diffs []Difficulty
	for _, d := range c.Difficulties {
		if !d.Valid() {
			return c, fmt.Errorf("%w: unknown difficulty %q", ErrInvalidConfig, d)
		}
		if !slices.Contains(diffs, d) {
			diffs = append(diffs, d)
		}
	}
	c.Difficulties = diffs
	return c, nil
}

// GenerateRequest asks the question source for a batch.
type GenerateRequest struct {
	Documents    []SourceDocument
	Count        int
	Difficulties []Difficulty
	Type         QuestionType
	// Avoid lists recent prompts the generator must not repeat.
	Avoid []string
}

// Score tracks evaluated submissions.
type Score struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// PerformanceReport is the AI-written assessment produced at the end of an exam.
type PerformanceReport struct {
	OverallPerformance string   `json:"overall_performance"`
	Strengths          []string `json:"strengths"`
	Weaknesses         []string `json:"weaknesses"`
	Recommendations    []string `json:"recommendations"`
}

// Complete reports whether every report field is populated.
func (r PerformanceReport) Complete() bool {
	return r.OverallPerformance != "" && len(r.Strengths) > 0 && len(r.Weaknesses) > 0 && len(r.Recommendations) > 0
}

// Notice is a user-visible message. ID is a translation key; Detail carries
// the underlying cause for logs and debugging.
type Notice struct {
	ID     string `json:"id"`
	Text   string `json:"text,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Notice IDs surfaced by the orchestrator.
const (
	NoticeGenerationFailed     = "GenerationFailed"
	NoticeNextBatchFailed      = "NextBatchFailed"
	NoticeDifficultyFailed     = "DifficultyChangeFailed"
	NoticeReportFailed         = "ReportFailed"
	NoticeDocumentsUnavailable = "DocumentsUnavailable"
	NoticeTimeExpired          = "TimeExpired"
	NoticeNothingToAnalyze     = "NothingToAnalyze"
)

// Snapshot is a read-only copy of a session's state.
type Snapshot struct {
	Stage            Stage              `json:"stage"`
	Mode             Mode               `json:"mode,omitempty"`
	Documents        []string           `json:"documents"`
	Config           *SessionConfig     `json:"config,omitempty"`
	Questions        []Question         `json:"questions"`
	CurrentIndex     int                `json:"current_index"`
	History          []Question         `json:"history"`
	Score            Score              `json:"score"`
	Generating       bool               `json:"generating"`
	SecondsRemaining int                `json:"seconds_remaining"`
	Report           *PerformanceReport `json:"report,omitempty"`
	Notice           *Notice            `json:"notice,omitempty"`
}

// Current returns the question currently shown, if any.
func (s Snapshot) Current() (Question, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Questions) {
		return Question{}, false
	}
	return s.Questions[s.CurrentIndex], true
}
