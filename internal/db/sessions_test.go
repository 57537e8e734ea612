package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustProfile(t *testing.T, db *sql.DB, identifier string) *Profile {
	t.Helper()
	p, err := ResolveProfile(context.Background(), db, identifier, "")
	require.NoError(t, err)
	return p
}

func TestParseSessionToken(t *testing.T) {
	id := uuid.New()

	got, ok := ParseSessionToken(" " + strings.ToUpper(id.String()) + " ")
	require.True(t, ok)
	assert.Equal(t, id.String(), got)

	for _, bad := range []string{"", "   ", "not-a-uuid", "1234"} {
		_, ok := ParseSessionToken(bad)
		assert.False(t, ok, "token %q", bad)
	}
}

func TestResolveSession_CreatesWhenNoCandidates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := mustProfile(t, db, "alice")

	s, created, err := ResolveSession(ctx, db, p, nil, "deepseek", ResolveOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, p.ID, s.ProfileID)
	assert.Equal(t, "deepseek", s.Provider())
	_, ok := ParseSessionToken(s.SessionID)
	assert.True(t, ok)
}

func TestResolveSession_ReusesOwnedCandidate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := mustProfile(t, db, "alice")

	orig, err := CreateSession(ctx, db, p.ID, "deepseek")
	require.NoError(t, err)

	s, created, err := ResolveSession(ctx, db, p, []string{"garbage", "", orig.SessionID}, "deepseek", ResolveOptions{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, orig.ID, s.ID)
}

func TestResolveSession_FirstValidCandidateWins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := mustProfile(t, db, "alice")

	a, err := CreateSession(ctx, db, p.ID, "deepseek")
	require.NoError(t, err)
	b, err := CreateSession(ctx, db, p.ID, "deepseek")
	require.NoError(t, err)

	s, _, err := ResolveSession(ctx, db, p, []string{b.SessionID, a.SessionID}, "deepseek", ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, b.ID, s.ID)
}

func TestResolveSession_ForeignTokenNeverReused(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	alice := mustProfile(t, db, "alice")
	bob := mustProfile(t, db, "bob")

	bobs, err := CreateSession(ctx, db, bob.ID, "deepseek")
	require.NoError(t, err)

	s, created, err := ResolveSession(ctx, db, alice, []string{bobs.SessionID}, "deepseek", ResolveOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, bobs.SessionID, s.SessionID)
	assert.Equal(t, alice.ID, s.ProfileID)
}

func TestResolveSession_ProviderMismatch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := mustProfile(t, db, "alice")

	ds, err := CreateSession(ctx, db, p.ID, "deepseek")
	require.NoError(t, err)

	s, created, err := ResolveSession(ctx, db, p, []string{ds.SessionID}, "gemini", ResolveOptions{})
	require.NoError(t, err)
	assert.False(t, created, "lenient mode reuses the session")
	assert.Equal(t, ds.ID, s.ID)

	s, created, err = ResolveSession(ctx, db, p, []string{ds.SessionID}, "gemini", ResolveOptions{StrictProvider: true})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "gemini", s.Provider())
}

func TestResolveSession_NilProfile(t *testing.T) {
	db := testDB(t)
	_, _, err := ResolveSession(context.Background(), db, nil, nil, "deepseek", ResolveOptions{})
	assert.Error(t, err)
}

func TestGetSession_NotFound(t *testing.T) {
	db := testDB(t)
	_, err := GetSession(context.Background(), db, 1, uuid.NewString())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTouchSession(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := mustProfile(t, db, "alice")

	s, err := CreateSession(ctx, db, p.ID, "deepseek")
	require.NoError(t, err)

	later := s.LastActivity.Add(time.Minute)
	require.NoError(t, TouchSession(ctx, db, s.ID, later))

	got, err := GetSession(ctx, db, p.ID, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), got.LastActivity.UnixMilli())

	assert.ErrorIs(t, TouchSession(ctx, db, 9999, later), ErrSessionNotFound)
}
