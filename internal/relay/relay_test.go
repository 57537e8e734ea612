package relay

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/history"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

// renamed registers a scripted provider under another name.
type renamed struct {
	*dummy.Provider
	name string
}

func (r renamed) Name() string { return r.name }

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenDB(db.DriverCGO, t.TempDir()+"/relay.db")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(database))
	t.Cleanup(func() { database.Close() })
	return database
}

func newTestService(t *testing.T, script string) (*Service, *dummy.Provider) {
	t.Helper()
	database := testDB(t)
	p, err := dummy.NewProvider("", script)
	require.NoError(t, err)

	registry := provider.NewRegistry(dummy.Name)
	registry.Register(p)

	cfg := config.DefaultConfig()
	return NewService(database, registry, cfg, nil, &EventLog{DB: database}), p
}

func countRows(t *testing.T, database *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, database.QueryRow(query, args...).Scan(&n))
	return n
}

func TestSubmit_EmptyPrompt(t *testing.T) {
	svc, p := newTestService(t, "echo")
	_, err := svc.Submit(context.Background(), Request{Prompt: "   "})
	require.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Empty(t, p.Calls())
	assert.Equal(t, 0, countRows(t, svc.DB, `SELECT COUNT(*) FROM profiles`))
}

func TestSubmit_FirstContact(t *testing.T) {
	svc, _ := newTestService(t, "msg:hello there")
	resp, err := svc.Submit(context.Background(), Request{
		Prompt:            "  hi  ",
		ProfileIdentifier: "alice",
		ProfileName:       "Alice",
		UserAgent:         "test-agent",
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Answer)
	assert.Equal(t, "alice", resp.Profile)
	assert.Equal(t, "Alice", resp.ProfileName)
	assert.Equal(t, dummy.Name, resp.Provider)
	_, ok := db.ParseSessionToken(resp.SessionID)
	assert.True(t, ok, "session id %q is not a uuid", resp.SessionID)
	assert.Equal(t, 2, resp.Usage["total_tokens"])

	profile, err := db.LookupProfile(context.Background(), svc.DB, "alice")
	require.NoError(t, err)
	turns, err := db.RecentTurns(context.Background(), svc.DB, profile.ID, db.TurnFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hi", turns[0].Prompt)
	assert.Equal(t, "hello there", turns[0].Response)
	assert.Equal(t, resp.SessionID, turns[0].SessionID)
	assert.Equal(t, dummy.Name, turns[0].Provider())
	assert.Equal(t, "test-agent", turns[0].Metadata["user_agent"])
	assert.Equal(t, resp.SessionID, turns[0].Metadata["session_identifier"])
	assert.Equal(t, "dummy-model", turns[0].Metadata["model"])

	assert.Equal(t, 1, countRows(t, svc.DB, `SELECT COUNT(*) FROM events WHERE event_type = ?`, db.EventSessionCreated))
	assert.Equal(t, 1, countRows(t, svc.DB, `SELECT COUNT(*) FROM events WHERE event_type = ?`, db.EventTurnRecorded))
}

func TestSubmit_DefaultProfile(t *testing.T) {
	svc, _ := newTestService(t, "ok")
	resp, err := svc.Submit(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, db.DefaultIdentifier, resp.Profile)
	assert.Equal(t, db.DefaultIdentifier, resp.ProfileName)
}

func TestSubmit_ContinuesSessionWithHistory(t *testing.T) {
	svc, p := newTestService(t, "msg:A1,msg:A2")
	ctx := context.Background()

	first, err := svc.Submit(ctx, Request{Prompt: "Q1", ProfileIdentifier: "alice"})
	require.NoError(t, err)

	second, err := svc.Submit(ctx, Request{Prompt: "Q2", ProfileIdentifier: "alice", SessionToken: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "A2", second.Answer)

	calls := p.Calls()
	require.Len(t, calls, 2)
	want := []history.Message{
		{Role: history.RoleUser, Content: "Q1"},
		{Role: history.RoleAssistant, Content: "A1"},
		{Role: history.RoleUser, Content: "Q2"},
	}
	if diff := cmp.Diff(want, calls[1]); diff != "" {
		t.Errorf("second call messages (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, countRows(t, svc.DB, `SELECT COUNT(*) FROM sessions`))
}

func TestSubmit_StoredSessionFromCaller(t *testing.T) {
	svc, _ := newTestService(t, "ok")
	ctx := context.Background()

	first, err := svc.Submit(ctx, Request{Prompt: "Q1", ProfileIdentifier: "alice"})
	require.NoError(t, err)

	caller := Caller{Identifier: "alice", Sessions: map[string]string{dummy.Name: first.SessionID}}
	second, err := svc.Submit(ctx, Request{Prompt: "Q2", Caller: caller})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	// The stored token belongs to alice and is not offered for bob.
	third, err := svc.Submit(ctx, Request{Prompt: "Q3", ProfileIdentifier: "bob", Caller: caller})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, third.SessionID)
}

func TestSubmit_ForeignSessionTokenNotReused(t *testing.T) {
	svc, p := newTestService(t, "msg:secret,msg:other")
	ctx := context.Background()

	alice, err := svc.Submit(ctx, Request{Prompt: "alice private", ProfileIdentifier: "alice"})
	require.NoError(t, err)

	bob, err := svc.Submit(ctx, Request{Prompt: "hello", ProfileIdentifier: "bob", SessionToken: alice.SessionID})
	require.NoError(t, err)
	assert.NotEqual(t, alice.SessionID, bob.SessionID)

	calls := p.Calls()
	require.Len(t, calls, 2)
	for _, m := range calls[1] {
		assert.NotContains(t, m.Content, "alice private")
		assert.NotContains(t, m.Content, "secret")
	}
}

func TestSubmit_ProviderFailure(t *testing.T) {
	svc, _ := newTestService(t, "err:status")
	_, err := svc.Submit(context.Background(), Request{Prompt: "hi", ProfileIdentifier: "alice"})
	require.Error(t, err)

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "alice", perr.Profile)
	assert.NotEmpty(t, perr.SessionID)
	assert.Contains(t, err.Error(), "Dummy failed: ")
	assert.True(t, provider.IsKind(err, provider.KindStatus))

	assert.Equal(t, 0, countRows(t, svc.DB, `SELECT COUNT(*) FROM turns`))
	assert.Equal(t, 1, countRows(t, svc.DB, `SELECT COUNT(*) FROM events WHERE event_type = ?`, db.EventProviderFailed))
}

func TestSubmit_UnknownProviderFallsBackToDefault(t *testing.T) {
	svc, p := newTestService(t, "ok")
	resp, err := svc.Submit(context.Background(), Request{Prompt: "hi", Provider: "  NoSuch "})
	require.NoError(t, err)
	assert.Equal(t, dummy.Name, resp.Provider)
	assert.Len(t, p.Calls(), 1)
}

func TestSubmit_ProvidersKeepSeparateSessions(t *testing.T) {
	svc, first := newTestService(t, "msg:from-dummy")
	other, err := dummy.NewProvider("", "echo")
	require.NoError(t, err)
	svc.Providers.Register(renamed{Provider: other, name: "gemini"})
	ctx := context.Background()

	a, err := svc.Submit(ctx, Request{Prompt: "Q1", ProfileIdentifier: "alice", Provider: dummy.Name})
	require.NoError(t, err)
	b, err := svc.Submit(ctx, Request{Prompt: "Q2", ProfileIdentifier: "alice", Provider: "Gemini"})
	require.NoError(t, err)

	assert.Equal(t, "gemini", b.Provider)
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Len(t, first.Calls(), 1)

	// Gemini history never carries the dummy exchange.
	calls := other.Calls()
	require.Len(t, calls, 1)
	want := []history.Message{{Role: history.RoleUser, Content: "Q2"}}
	if diff := cmp.Diff(want, calls[0]); diff != "" {
		t.Errorf("gemini messages (-want +got):\n%s", diff)
	}
}

func TestSubmit_CallerDisplayNameFallback(t *testing.T) {
	svc, _ := newTestService(t, "ok")
	caller := Caller{Identifier: "alice", DisplayName: "Alice A."}
	resp, err := svc.Submit(context.Background(), Request{Prompt: "hi", Caller: caller})
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", resp.ProfileName)

	// Another profile is never renamed after the caller.
	resp, err = svc.Submit(context.Background(), Request{Prompt: "hi", ProfileIdentifier: "bob", Caller: caller})
	require.NoError(t, err)
	assert.Equal(t, "bob", resp.ProfileName)
}

func TestDispatch_IgnoresCallerCancellation(t *testing.T) {
	svc, _ := newTestService(t, "sleep:20")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, latency, err := svc.dispatch(ctx, dummy.Name, []history.Message{{Role: history.RoleUser, Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "dummy-after-sleep", res.Text)
	assert.GreaterOrEqual(t, latency, int64(20))
}

func TestDispatch_UnregisteredProvider(t *testing.T) {
	svc, _ := newTestService(t, "ok")
	_, _, err := svc.dispatch(context.Background(), "nosuch", nil)
	assert.True(t, provider.IsKind(err, provider.KindConfiguration))
}

func TestService_History(t *testing.T) {
	svc, _ := newTestService(t, "msg:A1,msg:A2")
	ctx := context.Background()

	first, err := svc.Submit(ctx, Request{Prompt: "Q1", ProfileIdentifier: "alice"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, Request{Prompt: "Q2", ProfileIdentifier: "alice"})
	require.NoError(t, err)

	all, err := svc.History(ctx, "alice", dummy.Name, "")
	require.NoError(t, err)
	want := []history.Message{
		{Role: history.RoleUser, Content: "Q1"},
		{Role: history.RoleAssistant, Content: "A1"},
		{Role: history.RoleUser, Content: "Q2"},
		{Role: history.RoleAssistant, Content: "A2"},
	}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}

	one, err := svc.History(ctx, "alice", dummy.Name, first.SessionID)
	require.NoError(t, err)
	assert.Len(t, one, 2)

	_, err = svc.History(ctx, "nobody", dummy.Name, "")
	assert.ErrorIs(t, err, ErrNoProfile)
}

func TestProviderError_Message(t *testing.T) {
	err := &ProviderError{Provider: "deepseek", Err: errors.New("boom")}
	assert.Equal(t, "Deepseek failed: boom", err.Error())
}

func TestService_Login(t *testing.T) {
	svc, _ := newTestService(t, "ok")
	ctx := context.Background()

	_, err := svc.Login(ctx, "  ", "x")
	require.ErrorIs(t, err, ErrNameRequired)

	p, err := svc.Login(ctx, " carol ", "")
	require.NoError(t, err)
	assert.Equal(t, "carol", p.Identifier)
	assert.Equal(t, "carol", p.DisplayName)

	p, err = svc.Login(ctx, "carol", "Carol C.")
	require.NoError(t, err)
	assert.Equal(t, "Carol C.", p.DisplayName)
	assert.Equal(t, 2, countRows(t, svc.DB, `SELECT COUNT(*) FROM events WHERE event_type = ?`, db.EventProfileLogin))
}
