package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Turn is one persisted prompt/response exchange.
type Turn struct {
	ID               int64
	ProfileID        int64
	SessionRef       int64
	SessionID        string
	Prompt           string
	Response         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMS        int64
	Metadata         map[string]any
	CreatedAt        time.Time
}

// Provider returns the provider recorded in the turn metadata.
func (t *Turn) Provider() string {
	return metaString(t.Metadata, "provider")
}

// TurnInput carries the columns of a new turn row.
type TurnInput struct {
	ProfileID        int64
	SessionRef       int64
	Prompt           string
	Response         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMS        int64
	Metadata         map[string]any
}

// TurnFilter narrows RecentTurns. Zero values disable a filter.
type TurnFilter struct {
	Limit int
	// SessionToken restricts turns to one session when it parses as a
	// session identifier; an unparseable token is ignored.
	SessionToken string
	Provider     string
}

// InsertTurn appends a turn row and returns its id. Negative counters are stored as 0.
func InsertTurn(ctx context.Context, database *sql.DB, in TurnInput) (int64, error) {
	if in.ProfileID <= 0 || in.SessionRef <= 0 {
		return 0, errors.New("insert turn: profile and session are required")
	}
	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := database.ExecContext(ctx,
		`INSERT INTO turns (profile_id, session_ref, prompt, response,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ProfileID, in.SessionRef, in.Prompt, in.Response,
		nonNegative(int64(in.PromptTokens)), nonNegative(int64(in.CompletionTokens)),
		nonNegative(int64(in.TotalTokens)), nonNegative(in.LatencyMS),
		meta, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get turn id: %w", err)
	}
	return id, nil
}

// RecentTurns returns the newest turns of a profile matching f, ordered
// chronologically (oldest first).
func RecentTurns(ctx context.Context, database *sql.DB, profileID int64, f TurnFilter) ([]Turn, error) {
	var (
		clauses = []string{"t.profile_id = ?"}
		args    = []any{profileID}
	)
	if f.Provider != "" {
		clauses = append(clauses, "json_extract(t.metadata, '$.provider') = ?")
		args = append(args, f.Provider)
	}
	if token, ok := ParseSessionToken(f.SessionToken); ok {
		clauses = append(clauses, "s.session_id = ?")
		args = append(args, token)
	}
	query := `SELECT t.id, t.profile_id, t.session_ref, s.session_id, t.prompt, t.response,
			t.prompt_tokens, t.completion_tokens, t.total_tokens, t.latency_ms, t.metadata, t.created_at
		FROM turns t JOIN sessions s ON s.id = t.session_ref
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY t.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func scanTurn(rows *sql.Rows) (Turn, error) {
	var (
		t         Turn
		meta      string
		createdAt int64
	)
	if err := rows.Scan(
		&t.ID, &t.ProfileID, &t.SessionRef, &t.SessionID, &t.Prompt, &t.Response,
		&t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.LatencyMS, &meta, &createdAt,
	); err != nil {
		return Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	t.Metadata = decodeMetadata(meta)
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
