package model

import "time"

// SessionExport is the top-level JSON structure for `quizforge export`.
type SessionExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Server     ServerInfo      `json:"server"`
	Sessions   []SessionResult `json:"sessions"`
}

// SessionResult holds one persisted session for export.
type SessionResult struct {
	Key       string             `json:"key"`
	UpdatedAt time.Time          `json:"updated_at"`
	Mode      Mode               `json:"mode"`
	Stage     Stage              `json:"stage"`
	Documents []string           `json:"documents"`
	Config    *SessionConfig     `json:"config,omitempty"`
	Score     Score              `json:"score"`
	History   []Question         `json:"history"`
	Report    *PerformanceReport `json:"report,omitempty"`
}

// ServerInfo records the generator settings of the server that wrote the sessions.
type ServerInfo struct {
	LLMModel      string    `json:"llm_model"`
	PromptVariant string    `json:"prompt_variant"`
	BatchSize     int       `json:"batch_size"`
	StartedAt     time.Time `json:"started_at"`
}
