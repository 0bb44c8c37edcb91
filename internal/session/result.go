package session

import (
	"encoding/json"
	"fmt"

	"github.com/pavelanni/quizforge/internal/model"
)

// DecodeResult reads a persisted session snapshot into its exportable form.
func DecodeResult(key string, data []byte) (model.SessionResult, error) {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return model.SessionResult{}, fmt.Errorf("decode session %s: %w", key, err)
	}
	res := model.SessionResult{
		Key:       key,
		Mode:      st.Mode,
		Stage:     st.Stage,
		Documents: make([]string, 0, len(st.Documents)),
		Config:    st.Config,
		Score:     st.Score,
		History:   st.History,
		Report:    st.Report,
	}
	for _, d := range st.Documents {
		res.Documents = append(res.Documents, d.Name)
	}
	return res, nil
}
