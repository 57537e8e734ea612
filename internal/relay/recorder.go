package relay

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

// TurnRecord is the outcome of one exchange, ready to be persisted.
type TurnRecord struct {
	Prompt    string
	Response  string
	Usage     provider.Usage
	LatencyMS int64
	Metadata  map[string]any
}

// Recorder persists completed exchanges. Its failures never reach the caller.
type Recorder struct {
	DB     *sql.DB
	Logger *zap.Logger
	Events *EventLog
}

// Record stores rec for profile and session and bumps the session's recency.
// It reports whether the turn was stored; a nil profile or session stores
// nothing. Storage failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, profile *db.Profile, session *db.Session, rec TurnRecord) bool {
	if profile == nil || session == nil {
		return false
	}

	id, err := db.InsertTurn(ctx, r.DB, db.TurnInput{
		ProfileID:        profile.ID,
		SessionRef:       session.ID,
		Prompt:           rec.Prompt,
		Response:         rec.Response,
		PromptTokens:     rec.Usage.PromptTokens,
		CompletionTokens: rec.Usage.CompletionTokens,
		TotalTokens:      rec.Usage.TotalTokens,
		LatencyMS:        rec.LatencyMS,
		Metadata:         rec.Metadata,
	})
	if err != nil {
		r.logger().Warn("failed to record conversation turn",
			zap.String("profile", profile.Identifier),
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return false
	}

	if err := db.TouchSession(ctx, r.DB, session.ID, time.Now()); err != nil {
		r.logger().Warn("failed to update session recency",
			zap.String("session_id", session.SessionID), zap.Error(err))
	}

	r.Events.Log(db.EventTurnRecorded, map[string]any{
		"turn_id":    id,
		"profile":    profile.Identifier,
		"session_id": session.SessionID,
		"provider":   rec.Metadata["provider"],
		"latency_ms": rec.LatencyMS,
	})
	return true
}

// RecentTurns returns up to limit turns of profile, oldest first, filtered by
// provider and by sessionToken when it parses. A nil profile has no turns.
func (r *Recorder) RecentTurns(ctx context.Context, profile *db.Profile, limit int, sessionToken, providerName string) ([]db.Turn, error) {
	if profile == nil {
		return nil, nil
	}
	return db.RecentTurns(ctx, r.DB, profile.ID, db.TurnFilter{
		Limit:        limit,
		SessionToken: sessionToken,
		Provider:     providerName,
	})
}

func (r *Recorder) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
