package history

import (
	"context"
	"fmt"

	"github.com/stupiduntilnot/chatrelay/internal/db"
)

// Assembler reconstructs the message list sent to a provider from the
// caller's stored turns.
type Assembler struct {
	Turns TurnSource
	// SystemPrompt returns the system prompt for a provider; "" means none.
	SystemPrompt func(provider string) string
	// MaxTurns caps how many prior turns are replayed. 0 means no cap.
	MaxTurns int
}

// Build returns: optional system prompt, prior turns of profile for provider
// (restricted to sessionToken when it parses) as user/assistant pairs in
// chronological order, then prompt as the final user message.
//
// If the turn source fails, Build still returns the list without history,
// along with the error.
func (a *Assembler) Build(ctx context.Context, profile *db.Profile, prompt, sessionToken, provider string) ([]Message, error) {
	var system string
	if a.SystemPrompt != nil {
		system = a.SystemPrompt(provider)
	}

	if profile == nil || a.Turns == nil {
		return Assemble(system, nil, prompt), nil
	}

	turns, err := a.Turns.RecentTurns(ctx, profile.ID, db.TurnFilter{
		Limit:        a.MaxTurns,
		SessionToken: sessionToken,
		Provider:     provider,
	})
	if err != nil {
		return Assemble(system, nil, prompt), fmt.Errorf("load history for %s: %w", profile.Identifier, err)
	}
	return Assemble(system, Replay(turns), prompt), nil
}

// Assemble builds the final message list: system (when non-empty) + history + user.
func Assemble(system string, history []Message, userMsg string) []Message {
	messages := make([]Message, 0, 1+len(history)+1)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: userMsg})
	return messages
}

// Replay expands turns into alternating user/assistant messages.
func Replay(turns []db.Turn) []Message {
	messages := make([]Message, 0, 2*len(turns))
	for _, t := range turns {
		messages = append(messages,
			Message{Role: RoleUser, Content: t.Prompt},
			Message{Role: RoleAssistant, Content: t.Response},
		)
	}
	return messages
}
