package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultIdentifier replaces a missing or blank profile identifier.
const DefaultIdentifier = "default"

var ErrProfileNotFound = errors.New("profile not found")

// Profile is the durable identity record of a chat participant.
type Profile struct {
	ID          int64
	Identifier  string
	DisplayName string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Label is the display name, or the identifier when no name is stored.
func (p *Profile) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Identifier
}

// NormalizeIdentifier trims v and substitutes DefaultIdentifier when empty.
func NormalizeIdentifier(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultIdentifier
	}
	return v
}

// ResolveProfile returns the profile for identifier, creating it on first
// contact. A non-empty displayName that differs from the stored one replaces it.
func ResolveProfile(ctx context.Context, database *sql.DB, identifier, displayName string) (*Profile, error) {
	ident := NormalizeIdentifier(identifier)
	name := strings.TrimSpace(displayName)
	initial := name
	if initial == "" {
		initial = ident
	}

	_, err := database.ExecContext(ctx,
		`INSERT INTO profiles (identifier, display_name, metadata, created_at)
		 VALUES (?, ?, '{}', ?)
		 ON CONFLICT(identifier) DO NOTHING`,
		ident, initial, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create profile %s: %w", ident, err)
	}

	p, err := LookupProfile(ctx, database, ident)
	if err != nil {
		return nil, err
	}

	if name != "" && p.DisplayName != name {
		if _, err := database.ExecContext(ctx,
			`UPDATE profiles SET display_name = ? WHERE id = ?`, name, p.ID,
		); err != nil {
			return nil, fmt.Errorf("rename profile %s: %w", ident, err)
		}
		p.DisplayName = name
	}
	return p, nil
}

// LookupProfile returns the profile with exactly this identifier.
func LookupProfile(ctx context.Context, database *sql.DB, identifier string) (*Profile, error) {
	return scanProfile(database.QueryRowContext(ctx,
		`SELECT id, identifier, display_name, metadata, created_at
		 FROM profiles WHERE identifier = ?`,
		identifier,
	))
}

// LookupProfileFold matches identifier case-insensitively and returns the
// stored record, so callers can normalize user input to the stored casing.
func LookupProfileFold(ctx context.Context, database *sql.DB, identifier string) (*Profile, error) {
	return scanProfile(database.QueryRowContext(ctx,
		`SELECT id, identifier, display_name, metadata, created_at
		 FROM profiles WHERE identifier = ? COLLATE NOCASE
		 ORDER BY id ASC LIMIT 1`,
		strings.TrimSpace(identifier),
	))
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var (
		p         Profile
		meta      string
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.Identifier, &p.DisplayName, &meta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	p.Metadata = decodeMetadata(meta)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}
