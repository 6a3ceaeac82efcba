package domain

type StreamEventKind string

const (
	StreamTokenDelta StreamEventKind = "token-delta"
	StreamEnd        StreamEventKind = "stream-end"
	StreamError      StreamEventKind = "stream-error"
)

// StreamEvent is one provider-agnostic increment of generated text.
type StreamEvent struct {
	Kind  StreamEventKind
	Delta string
	Err   error
}

type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}
