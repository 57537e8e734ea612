package history

// Chat roles in the provider-neutral vocabulary.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a model-agnostic chat message used across the relay pipeline.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
