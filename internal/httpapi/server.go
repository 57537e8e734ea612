// Package httpapi exposes the relay over HTTP.
package httpapi

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/history"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
)

const (
	maxBodyBytes = 1 << 20

	msgAdminRequired = "Admin access required."
)

// userMessages are the client-facing texts for relay sentinel errors.
var userMessages = map[error]string{
	relay.ErrEmptyPrompt:  "Empty prompt",
	relay.ErrNoProfile:    "Profile not configured. Please log in again.",
	relay.ErrNameRequired: "Name is required.",
}

func userMessage(err error) string {
	for sentinel, msg := range userMessages {
		if errors.Is(err, sentinel) {
			return msg
		}
	}
	return err.Error()
}

// Server routes client requests to the relay service.
type Server struct {
	relay      *relay.Service
	adminToken string
	state      stateCodec
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New builds a Server. Without a configured cookie secret a random key is
// used, so client state does not survive restarts.
func New(svc *relay.Service, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec, err := newStateCodec(cfg.CookieSecret)
	if err != nil {
		return nil, err
	}
	if cfg.CookieSecret == "" {
		logger.Warn("RELAY_COOKIE_SECRET not set, using an ephemeral key")
	}
	s := &Server{
		relay:      svc,
		adminToken: cfg.AdminToken,
		state:      codec,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("/chat", only(http.MethodPost, s.handleChat))
	s.mux.HandleFunc("/login", only(http.MethodPost, s.handleLogin))
	s.mux.HandleFunc("/logout", only(http.MethodPost, s.handleLogout))
	s.mux.HandleFunc("/history", only(http.MethodGet, s.handleHistory))
	s.mux.HandleFunc("/admin/report", only(http.MethodGet, s.handleReport))
	s.mux.HandleFunc("/healthz", only(http.MethodGet, s.handleHealth))
	return s, nil
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	f, err := readFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st := s.state.read(r)

	req := relay.Request{
		Prompt:            f.first("q", "prompt", "text"),
		ProfileIdentifier: f.first("profile_id", "profile"),
		ProfileName:       f.first("profile_name"),
		Provider:          f.first("provider"),
		SessionToken:      f.first("session_id"),
		UserAgent:         r.UserAgent(),
		Caller: relay.Caller{
			Identifier:  st.Identifier,
			DisplayName: st.DisplayName,
			Sessions:    st.Sessions,
		},
	}

	resp, err := s.relay.Submit(r.Context(), req)
	var perr *relay.ProviderError
	switch {
	case err == nil:
		st.Bind(resp.Profile, resp.ProfileName, resp.Provider, resp.SessionID)
		s.saveState(w, st)
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, relay.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, userMessage(err))
	case errors.Is(err, relay.ErrNoProfile):
		writeError(w, http.StatusForbidden, userMessage(err))
	case errors.As(err, &perr):
		// The session was already allocated; keep it for the retry.
		name := st.DisplayName
		if st.Identifier != perr.Profile {
			name = ""
		}
		st.Bind(perr.Profile, name, perr.Provider, perr.SessionID)
		s.saveState(w, st)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Error("chat failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type loginResponse struct {
	Profile     string `json:"profile"`
	ProfileName string `json:"profile_name"`
	Provider    string `json:"provider"`
	Admin       bool   `json:"admin"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	f, err := readFields(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile, err := s.relay.Login(r.Context(), f.first("identifier"), f.first("display_name"))
	if errors.Is(err, relay.ErrNameRequired) {
		writeError(w, http.StatusBadRequest, userMessage(err))
		return
	}
	if err != nil {
		s.logger.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Unable to sign in right now.")
		return
	}

	st := State{
		Identifier:  profile.Identifier,
		DisplayName: profile.Label(),
		Provider:    s.relay.Providers.Resolve(f.first("provider")),
		Sessions:    map[string]string{},
		Admin:       s.tokenMatches(f.first("admin_token")),
	}
	s.saveState(w, st)
	writeJSON(w, http.StatusOK, loginResponse{
		Profile:     st.Identifier,
		ProfileName: st.DisplayName,
		Provider:    st.Provider,
		Admin:       st.Admin,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	clearState(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type historyResponse struct {
	Profile   string            `json:"profile"`
	Provider  string            `json:"provider"`
	SessionID string            `json:"session_id"`
	Messages  []history.Message `json:"messages"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	st := s.state.read(r)
	providerName := r.URL.Query().Get("provider")
	if providerName == "" {
		providerName = st.Provider
	}
	providerName = s.relay.Providers.Resolve(providerName)

	resp := historyResponse{
		Profile:   st.Identifier,
		Provider:  providerName,
		SessionID: st.SessionFor(providerName),
		Messages:  []history.Message{},
	}
	if st.Identifier == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	messages, err := s.relay.History(r.Context(), st.Identifier, providerName, resp.SessionID)
	switch {
	case errors.Is(err, relay.ErrNoProfile):
		writeError(w, http.StatusForbidden, userMessage(err))
		return
	case err != nil:
		// History is best effort.
		s.logger.Warn("history unavailable", zap.String("profile", st.Identifier), zap.Error(err))
	case len(messages) > 0:
		resp.Messages = messages
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		writeError(w, http.StatusForbidden, msgAdminRequired)
		return
	}
	q := r.URL.Query()
	report, err := db.BuildReport(r.Context(), s.relay.DB, db.ReportFilter{
		Profile: q.Get("profile"),
		Session: q.Get("session"),
	})
	if err != nil {
		s.logger.Error("report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Unable to build report.")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.DB.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) isAdmin(r *http.Request) bool {
	if s.state.read(r).Admin {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && s.tokenMatches(token)
}

func (s *Server) tokenMatches(token string) bool {
	token = strings.TrimSpace(token)
	if s.adminToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

func (s *Server) saveState(w http.ResponseWriter, st State) {
	if err := s.state.write(w, st); err != nil {
		s.logger.Warn("failed to save client state", zap.Error(err))
	}
}

// fields are request parameters from a JSON object or a form body.
type fields struct {
	json gjson.Result
	form map[string][]string
}

// first returns the first non-blank value among names, trimmed.
func (f fields) first(names ...string) string {
	for _, name := range names {
		var v string
		if f.json.Exists() {
			if r := f.json.Get(name); r.Exists() && r.Type != gjson.Null {
				v = r.String()
			}
		} else if vals := f.form[name]; len(vals) > 0 {
			v = vals[0]
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// readFields parses a JSON object or a urlencoded form. Bodies that are not
// declared as JSON but carry a JSON object are read as JSON too.
func readFields(r *http.Request) (fields, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fields{}, errors.New("unable to read request body")
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if len(bytes.TrimSpace(body)) == 0 {
			return fields{json: gjson.Parse("{}")}, nil
		}
		if !gjson.ValidBytes(body) {
			return fields{}, errors.New("invalid JSON body")
		}
		parsed := gjson.ParseBytes(body)
		if !parsed.IsObject() {
			return fields{}, errors.New("JSON body must be an object")
		}
		return fields{json: parsed}, nil
	}

	// A urlencoded form never parses as a JSON object.
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' && gjson.ValidBytes(trimmed) {
		return fields{json: gjson.ParseBytes(trimmed)}, nil
	}
	form := r.URL.Query()
	switch mediaType {
	case "", "application/x-www-form-urlencoded", "text/plain":
		posted, err := url.ParseQuery(string(body))
		if err != nil {
			return fields{}, errors.New("invalid form body")
		}
		for k, vs := range posted {
			form[k] = append(vs, form[k]...)
		}
	}
	return fields{form: form}, nil
}

// only rejects other methods with a JSON 405.
func only(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
