package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReportLimit caps the session and turn listings of a report.
const ReportLimit = 200

// ProfileStat aggregates the turns of one profile.
type ProfileStat struct {
	Identifier   string     `json:"identifier"`
	DisplayName  string     `json:"display_name"`
	TotalTurns   int        `json:"total_turns"`
	TotalTokens  int64      `json:"total_tokens"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// SessionStat aggregates the turns of one session.
type SessionStat struct {
	SessionID          string    `json:"session_id"`
	ProfileIdentifier  string    `json:"profile_identifier"`
	ProfileDisplayName string    `json:"profile_display_name"`
	Provider           string    `json:"provider"`
	TotalTurns         int       `json:"total_turns"`
	TotalTokens        int64     `json:"total_tokens"`
	CreatedAt          time.Time `json:"created_at"`
	LastTurnAt         time.Time `json:"last_turn_at"`
}

// ReportTurn is a turn row joined with its owner for display.
type ReportTurn struct {
	ID                 int64     `json:"id"`
	ProfileIdentifier  string    `json:"profile_identifier"`
	ProfileDisplayName string    `json:"profile_display_name"`
	SessionID          string    `json:"session_id"`
	Provider           string    `json:"provider"`
	Prompt             string    `json:"prompt"`
	Response           string    `json:"response"`
	TotalTokens        int       `json:"total_tokens"`
	LatencyMS          int64     `json:"latency_ms"`
	CreatedAt          time.Time `json:"created_at"`
}

// Report is the administrative overview of stored conversations.
type Report struct {
	SelectedIdentifier string        `json:"selected_identifier"`
	SelectedSession    string        `json:"selected_session"`
	Profiles           []ProfileStat `json:"profiles"`
	Sessions           []SessionStat `json:"sessions"`
	Turns              []ReportTurn  `json:"turns"`
}

// ReportFilter selects what BuildReport lists. Both filters are optional.
type ReportFilter struct {
	Profile string
	Session string
}

// BuildReport gathers profile, session and turn statistics. The profile filter
// is matched case-insensitively and normalized to the stored casing; a filter
// that matches nothing, or a session filter that does not parse, is dropped.
func BuildReport(ctx context.Context, database *sql.DB, f ReportFilter) (*Report, error) {
	r := &Report{
		Profiles: []ProfileStat{},
		Sessions: []SessionStat{},
		Turns:    []ReportTurn{},
	}
	if ident := strings.TrimSpace(f.Profile); ident != "" {
		p, err := LookupProfileFold(ctx, database, ident)
		switch {
		case err == nil:
			r.SelectedIdentifier = p.Identifier
		case !errors.Is(err, ErrProfileNotFound):
			return nil, err
		}
	}
	if token, ok := ParseSessionToken(f.Session); ok {
		r.SelectedSession = token
	}

	var err error
	if r.Profiles, err = ProfileStats(ctx, database); err != nil {
		return nil, err
	}
	if r.Sessions, err = SessionStats(ctx, database, r.SelectedIdentifier, ReportLimit); err != nil {
		return nil, err
	}
	if r.Turns, err = ReportTurns(ctx, database, r.SelectedIdentifier, r.SelectedSession, ReportLimit); err != nil {
		return nil, err
	}
	return r, nil
}

// ProfileStats lists every profile, most recently active first.
func ProfileStats(ctx context.Context, database *sql.DB) ([]ProfileStat, error) {
	rows, err := database.QueryContext(ctx, `
		SELECT p.identifier, p.display_name, COUNT(t.id), COALESCE(SUM(t.total_tokens), 0),
			MAX(t.created_at) AS last_activity
		FROM profiles p LEFT JOIN turns t ON t.profile_id = p.id
		GROUP BY p.id
		ORDER BY last_activity DESC, p.display_name ASC, p.identifier ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query profile stats: %w", err)
	}
	defer rows.Close()

	stats := []ProfileStat{}
	for rows.Next() {
		var (
			s    ProfileStat
			last sql.NullInt64
		)
		if err := rows.Scan(&s.Identifier, &s.DisplayName, &s.TotalTurns, &s.TotalTokens, &last); err != nil {
			return nil, fmt.Errorf("scan profile stats: %w", err)
		}
		if last.Valid {
			at := fromMillis(last.Int64)
			s.LastActivity = &at
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// SessionStats lists sessions by latest turn, optionally for one profile identifier.
func SessionStats(ctx context.Context, database *sql.DB, identifier string, limit int) ([]SessionStat, error) {
	query := `
		SELECT s.session_id, p.identifier, p.display_name, s.metadata, s.created_at,
			COUNT(t.id), COALESCE(SUM(t.total_tokens), 0),
			COALESCE(MAX(t.created_at), s.created_at) AS last_turn_at
		FROM sessions s
		JOIN profiles p ON p.id = s.profile_id
		LEFT JOIN turns t ON t.session_ref = s.id`
	var args []any
	if identifier != "" {
		query += ` WHERE p.identifier = ?`
		args = append(args, identifier)
	}
	query += ` GROUP BY s.id ORDER BY last_turn_at DESC, s.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session stats: %w", err)
	}
	defer rows.Close()

	stats := []SessionStat{}
	for rows.Next() {
		var (
			s                   SessionStat
			meta                string
			createdAt, lastTurn int64
		)
		if err := rows.Scan(&s.SessionID, &s.ProfileIdentifier, &s.ProfileDisplayName, &meta,
			&createdAt, &s.TotalTurns, &s.TotalTokens, &lastTurn); err != nil {
			return nil, fmt.Errorf("scan session stats: %w", err)
		}
		if s.ProfileDisplayName == "" {
			s.ProfileDisplayName = s.ProfileIdentifier
		}
		s.Provider = displayProvider(metaString(decodeMetadata(meta), "provider"))
		s.CreatedAt = fromMillis(createdAt)
		s.LastTurnAt = fromMillis(lastTurn)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ReportTurns lists turns newest first. identifier and sessionID are exact
// filters; empty disables them.
func ReportTurns(ctx context.Context, database *sql.DB, identifier, sessionID string, limit int) ([]ReportTurn, error) {
	query := `
		SELECT t.id, p.identifier, p.display_name, s.session_id, t.metadata, s.metadata,
			t.prompt, t.response, t.total_tokens, t.latency_ms, t.created_at
		FROM turns t
		JOIN profiles p ON p.id = t.profile_id
		JOIN sessions s ON s.id = t.session_ref`
	var (
		clauses []string
		args    []any
	)
	if identifier != "" {
		clauses = append(clauses, "p.identifier = ?")
		args = append(args, identifier)
	}
	if sessionID != "" {
		clauses = append(clauses, "s.session_id = ?")
		args = append(args, sessionID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY t.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query report turns: %w", err)
	}
	defer rows.Close()

	turns := []ReportTurn{}
	for rows.Next() {
		var (
			t                     ReportTurn
			turnMeta, sessionMeta string
			createdAt             int64
		)
		if err := rows.Scan(&t.ID, &t.ProfileIdentifier, &t.ProfileDisplayName, &t.SessionID,
			&turnMeta, &sessionMeta, &t.Prompt, &t.Response, &t.TotalTokens, &t.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan report turn: %w", err)
		}
		provider := metaString(decodeMetadata(turnMeta), "provider")
		if provider == "" {
			provider = metaString(decodeMetadata(sessionMeta), "provider")
		}
		t.Provider = displayProvider(provider)
		t.CreatedAt = fromMillis(createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func displayProvider(p string) string {
	if p == "" {
		return "-"
	}
	return p
}
