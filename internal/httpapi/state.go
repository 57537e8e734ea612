package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const stateCookie = "relay_state"

// State is the per-client state carried between requests.
type State struct {
	Identifier  string `json:"identifier,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Provider    string `json:"provider,omitempty"`
	// Sessions maps provider to session id. Entries belong to Identifier.
	Sessions map[string]string `json:"sessions,omitempty"`
	Admin    bool              `json:"admin,omitempty"`
}

// SessionFor returns the stored session id for provider.
func (s State) SessionFor(provider string) string {
	return s.Sessions[provider]
}

// Bind records sessionID for provider under identifier. Switching identity
// drops the session ids of the previous one.
func (s *State) Bind(identifier, displayName, provider, sessionID string) {
	if s.Identifier != identifier || s.Sessions == nil {
		s.Sessions = map[string]string{}
	}
	s.Identifier = identifier
	s.DisplayName = displayName
	s.Provider = provider
	if sessionID != "" {
		s.Sessions[provider] = sessionID
	}
}

// stateCodec signs client state with HMAC-SHA256 as payload.signature, both
// base64url encoded.
type stateCodec struct {
	key []byte
}

func newStateCodec(secret string) (stateCodec, error) {
	if secret != "" {
		return stateCodec{key: []byte(secret)}, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return stateCodec{}, err
	}
	return stateCodec{key: key}, nil
}

func (c stateCodec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (c stateCodec) encode(s State) (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(payload) + "." + enc.EncodeToString(c.sign(payload)), nil
}

var errBadState = errors.New("invalid client state")

func (c stateCodec) decode(value string) (State, error) {
	var s State
	rawPayload, rawSig, ok := strings.Cut(value, ".")
	if !ok {
		return s, errBadState
	}
	enc := base64.RawURLEncoding
	payload, err := enc.DecodeString(rawPayload)
	if err != nil {
		return s, errBadState
	}
	sig, err := enc.DecodeString(rawSig)
	if err != nil || !hmac.Equal(sig, c.sign(payload)) {
		return s, errBadState
	}
	if err := json.Unmarshal(payload, &s); err != nil {
		return State{}, errBadState
	}
	return s, nil
}

// read returns the request's state; a missing or tampered cookie reads as empty.
func (c stateCodec) read(r *http.Request) State {
	cookie, err := r.Cookie(stateCookie)
	if err != nil {
		return State{}
	}
	s, err := c.decode(cookie.Value)
	if err != nil {
		return State{}
	}
	return s
}

func (c stateCodec) write(w http.ResponseWriter, s State) error {
	value, err := c.encode(s)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func clearState(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
