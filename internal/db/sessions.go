package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is a provider-scoped conversation thread owned by one profile.
type Session struct {
	ID           int64
	ProfileID    int64
	SessionID    string
	Metadata     map[string]any
	CreatedAt    time.Time
	LastActivity time.Time
}

// Provider returns the provider recorded in the session metadata.
func (s *Session) Provider() string {
	return metaString(s.Metadata, "provider")
}

// ResolveOptions tunes ResolveSession.
type ResolveOptions struct {
	// StrictProvider rejects candidates whose session was opened for a
	// different provider.
	StrictProvider bool
}

// ParseSessionToken reports whether token is a session identifier and
// returns its canonical form.
func ParseSessionToken(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	id, err := uuid.Parse(token)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// ResolveSession returns the first candidate token that names a session owned
// by profile. When none does, a new session tagged with provider is created
// and created is true. Blank or malformed candidates are skipped.
func ResolveSession(ctx context.Context, database *sql.DB, profile *Profile, candidates []string, provider string, opts ResolveOptions) (s *Session, created bool, err error) {
	if profile == nil {
		return nil, false, errors.New("resolve session: no profile")
	}
	for _, candidate := range candidates {
		token, ok := ParseSessionToken(candidate)
		if !ok {
			continue
		}
		found, lookupErr := GetSession(ctx, database, profile.ID, token)
		if errors.Is(lookupErr, ErrSessionNotFound) {
			continue
		}
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		if opts.StrictProvider && found.Provider() != "" && found.Provider() != provider {
			continue
		}
		return found, false, nil
	}

	s, err = CreateSession(ctx, database, profile.ID, provider)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// GetSession loads the session with the canonical token sessionID owned by profileID.
func GetSession(ctx context.Context, database *sql.DB, profileID int64, sessionID string) (*Session, error) {
	var (
		s                     Session
		meta                  string
		createdAt, lastActive int64
	)
	err := database.QueryRowContext(ctx,
		`SELECT id, profile_id, session_id, metadata, created_at, last_activity
		 FROM sessions WHERE session_id = ? AND profile_id = ?`,
		sessionID, profileID,
	).Scan(&s.ID, &s.ProfileID, &s.SessionID, &meta, &createdAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	s.Metadata = decodeMetadata(meta)
	s.CreatedAt = fromMillis(createdAt)
	s.LastActivity = fromMillis(lastActive)
	return &s, nil
}

// CreateSession opens a new session with a random token.
func CreateSession(ctx context.Context, database *sql.DB, profileID int64, provider string) (*Session, error) {
	meta := map[string]any{"provider": provider}
	metaJSON, err := encodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	token := uuid.NewString()

	res, err := database.ExecContext(ctx,
		`INSERT INTO sessions (profile_id, session_id, metadata, created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?)`,
		profileID, token, metaJSON, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get session id: %w", err)
	}
	return &Session{
		ID:           id,
		ProfileID:    profileID,
		SessionID:    token,
		Metadata:     meta,
		CreatedAt:    fromMillis(now.UnixMilli()),
		LastActivity: fromMillis(now.UnixMilli()),
	}, nil
}

// TouchSession sets last_activity of the session row ref to at.
func TouchSession(ctx context.Context, database *sql.DB, ref int64, at time.Time) error {
	res, err := database.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE id = ?`, at.UnixMilli(), ref,
	)
	if err != nil {
		return fmt.Errorf("touch session %d: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session %d: %w", ref, err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
