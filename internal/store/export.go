package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/quizforge/internal/model"
	"github.com/pavelanni/quizforge/internal/session"
)

// ExportAllSessions builds an export of every persisted session. Snapshots that
// cannot be decoded are skipped with a warning.
func (s *Store) ExportAllSessions(ctx context.Context) (model.SessionExport, error) {
	export := model.SessionExport{ExportedAt: time.Now().UTC()}

	info, err := s.GetServerInfo(ctx)
	if err != nil {
		return export, fmt.Errorf("get server info: %w", err)
	}
	export.Server = info

	snaps, err := s.ListSnapshots(ctx)
	if err != nil {
		return export, fmt.Errorf("list snapshots: %w", err)
	}

	export.Sessions = make([]model.SessionResult, 0, len(snaps))
	for _, sn := range snaps {
		res, err := session.DecodeResult(sn.Key, sn.Data)
		if err != nil {
			slog.Warn("skipping unreadable snapshot", "key", sn.Key, "error", err)
			continue
		}
		res.UpdatedAt = sn.UpdatedAt
		export.Sessions = append(export.Sessions, res)
	}
	return export, nil
}
