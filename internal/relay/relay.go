// Package relay implements the prompt submission flow: identity, session,
// history, provider dispatch and turn recording.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/history"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

var (
	ErrEmptyPrompt  = errors.New("empty prompt")
	ErrNoProfile    = errors.New("profile not configured")
	ErrNameRequired = errors.New("name is required")
)

// ProviderError reports a failed upstream call. Profile and SessionID carry
// the identity and session resolved before the call so callers can still
// persist them.
type ProviderError struct {
	Provider  string
	Profile   string
	SessionID string
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s failed: %v", capitalize(e.Provider), e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Caller is the identity a client established earlier, e.g. at login.
type Caller struct {
	Identifier  string
	DisplayName string
	// Sessions maps provider name to the last session token used with it.
	// It belongs to Identifier.
	Sessions map[string]string
}

// Request is one prompt submission.
type Request struct {
	Prompt            string
	ProfileIdentifier string
	ProfileName       string
	Provider          string
	SessionToken      string
	UserAgent         string
	Caller            Caller
}

// Response is returned to the client on success.
type Response struct {
	Answer      string         `json:"answer"`
	SessionID   string         `json:"session_id"`
	Provider    string         `json:"provider"`
	Profile     string         `json:"profile"`
	ProfileName string         `json:"profile_name"`
	LatencyMS   int64          `json:"latency_ms"`
	Usage       map[string]any `json:"usage,omitempty"`
}

// Service runs prompt submissions against the store and the provider registry.
type Service struct {
	DB        *sql.DB
	Providers *provider.Registry
	Assembler *history.Assembler
	Recorder  *Recorder
	Events    *EventLog
	Logger    *zap.Logger
	// StrictSessionProvider refuses to resume a session opened for another provider.
	StrictSessionProvider bool
}

// NewService wires a Service from cfg. events may be nil.
func NewService(database *sql.DB, registry *provider.Registry, cfg config.Config, logger *zap.Logger, events *EventLog) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		DB:        database,
		Providers: registry,
		Assembler: &history.Assembler{
			Turns:        &history.SQLiteSource{DB: database},
			SystemPrompt: cfg.SystemPrompt,
			MaxTurns:     cfg.MaxContextTurns,
		},
		Recorder:              &Recorder{DB: database, Logger: logger, Events: events},
		Events:                events,
		Logger:                logger,
		StrictSessionProvider: cfg.StrictSessionProvider,
	}
}

// Submit handles one prompt end to end. The upstream call is not cancelled
// when ctx is; it runs until it completes or the provider timeout elapses.
func (s *Service) Submit(ctx context.Context, req Request) (*Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	profile, err := s.resolveProfile(ctx, req)
	if err != nil {
		return nil, err
	}
	providerName := s.Providers.Resolve(req.Provider)
	log := s.Logger.With(zap.String("profile", profile.Identifier), zap.String("provider", providerName))

	var stored string
	if req.Caller.Identifier == profile.Identifier {
		stored = req.Caller.Sessions[providerName]
	}

	var sessionID string
	session, created, err := db.ResolveSession(ctx, s.DB, profile,
		[]string{req.SessionToken, stored}, providerName,
		db.ResolveOptions{StrictProvider: s.StrictSessionProvider})
	switch {
	case err != nil:
		log.Warn("unable to resolve session", zap.Error(err))
		sessionID = strings.TrimSpace(req.SessionToken)
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
	case created:
		sessionID = session.SessionID
		s.Events.Log(db.EventSessionCreated, map[string]any{
			"profile":    profile.Identifier,
			"session_id": sessionID,
			"provider":   providerName,
		})
	default:
		sessionID = session.SessionID
	}
	log = log.With(zap.String("session_id", sessionID))

	messages, err := s.Assembler.Build(ctx, profile, prompt, sessionID, providerName)
	if err != nil {
		log.Warn("history unavailable", zap.Error(err))
	}

	result, latency, err := s.dispatch(ctx, providerName, messages)
	if err != nil {
		log.Warn("provider call failed", zap.Int64("latency_ms", latency), zap.Error(err))
		s.Events.Log(db.EventProviderFailed, map[string]any{
			"profile":    profile.Identifier,
			"session_id": sessionID,
			"provider":   providerName,
			"error":      err.Error(),
		})
		return nil, &ProviderError{Provider: providerName, Profile: profile.Identifier, SessionID: sessionID, Err: err}
	}

	usage := result.UsageDetail
	if usage == nil {
		usage = map[string]any{}
	}
	s.Recorder.Record(context.WithoutCancel(ctx), profile, session, TurnRecord{
		Prompt:    prompt,
		Response:  result.Text,
		Usage:     result.Usage,
		LatencyMS: latency,
		Metadata: map[string]any{
			"usage":              usage,
			"model":              result.Model,
			"response_id":        result.ResponseID,
			"provider":           providerName,
			"session_identifier": sessionID,
			"user_agent":         req.UserAgent,
		},
	})
	log.Info("prompt answered", zap.Int64("latency_ms", latency), zap.Int("total_tokens", result.Usage.TotalTokens))

	resp := &Response{
		Answer:      result.Text,
		SessionID:   sessionID,
		Provider:    providerName,
		Profile:     profile.Identifier,
		ProfileName: profile.Label(),
		LatencyMS:   latency,
	}
	if len(result.UsageDetail) > 0 {
		resp.Usage = result.UsageDetail
	}
	return resp, nil
}

// History returns the stored exchanges of identifier with provider as
// user/assistant messages, restricted to sessionToken when it parses.
func (s *Service) History(ctx context.Context, identifier, providerName, sessionToken string) ([]history.Message, error) {
	profile, err := db.LookupProfile(ctx, s.DB, db.NormalizeIdentifier(identifier))
	if errors.Is(err, db.ErrProfileNotFound) {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, err
	}
	turns, err := s.Recorder.RecentTurns(ctx, profile, s.Assembler.MaxTurns, sessionToken, s.Providers.Resolve(providerName))
	if err != nil {
		return nil, err
	}
	return history.Replay(turns), nil
}

// Login resolves the profile a client signs in as. displayName defaults to
// the identifier.
func (s *Service) Login(ctx context.Context, identifier, displayName string) (*db.Profile, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrNameRequired
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = identifier
	}
	profile, err := db.ResolveProfile(ctx, s.DB, identifier, displayName)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", identifier, err)
	}
	s.Events.Log(db.EventProfileLogin, map[string]any{"profile": profile.Identifier})
	return profile, nil
}

// resolveProfile picks the requested identifier, then the caller's, then the
// default. If the store cannot resolve it, the caller's existing profile is
// used when it can still be loaded.
func (s *Service) resolveProfile(ctx context.Context, req Request) (*db.Profile, error) {
	ident := strings.TrimSpace(req.ProfileIdentifier)
	if ident == "" {
		ident = strings.TrimSpace(req.Caller.Identifier)
	}
	ident = db.NormalizeIdentifier(ident)

	name := strings.TrimSpace(req.ProfileName)
	if name == "" && ident == req.Caller.Identifier {
		name = req.Caller.DisplayName
	}

	profile, err := db.ResolveProfile(ctx, s.DB, ident, name)
	if err == nil {
		return profile, nil
	}
	s.Logger.Warn("profile persistence unavailable", zap.String("profile", ident), zap.Error(err))

	if req.Caller.Identifier != "" {
		if fallback, lookupErr := db.LookupProfile(ctx, s.DB, req.Caller.Identifier); lookupErr == nil {
			return fallback, nil
		}
	}
	return nil, ErrNoProfile
}

func (s *Service) dispatch(ctx context.Context, name string, messages []history.Message) (*provider.Result, int64, error) {
	p, ok := s.Providers.Get(name)
	if !ok {
		return nil, 0, &provider.Error{Provider: name, Kind: provider.KindConfiguration, Message: "provider not registered"}
	}
	start := time.Now()
	result, err := p.Send(context.WithoutCancel(ctx), messages)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, latency, err
	}
	if result == nil {
		return nil, latency, &provider.Error{Provider: name, Kind: provider.KindFormat, Message: "empty result"}
	}
	return result, latency, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
