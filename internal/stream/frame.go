package stream

import "github.com/MegaGrindStone/chat-core/internal/models"

// Frame kinds understood by the client. Frames of any other kind are ignored.
const (
	FrameContent = "content"
	FrameDone    = "done"
	FrameError   = "error"
)

// EndOfStream is the sentinel data line closing a frame stream.
const EndOfStream = "[DONE]"

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ConversationID string        `json:"conversation_id"`
	Stream         bool          `json:"stream"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type frame struct {
	Kind string `json:"kind"`

	// Content is a pointer so a done frame without content can be told apart from one carrying an
	// empty reply.
	Content    *string     `json:"content"`
	Usage      *frameUsage `json:"usage"`
	MessageIDs *MessageIDs `json:"messageIds"`
}

type frameUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *frameUsage) usage() *models.Usage {
	if u == nil {
		return nil
	}
	return &models.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// MessageIDs are the identifiers the service assigned to the persisted user and assistant messages,
// when it reports them.
type MessageIDs struct {
	User      string `json:"user,omitempty"`
	Assistant string `json:"assistant,omitempty"`
}

// Completion is the result of a completed exchange.
type Completion struct {
	// Content is the final reply: the done frame's content when present, the accumulated deltas
	// otherwise.
	Content string
	// Accumulated is the concatenation of every content delta in arrival order. For a reply that was
	// not streamed it equals Content.
	Accumulated string

	// Usage is nil for degraded completions that ended without a done frame.
	Usage      *models.Usage
	MessageIDs *MessageIDs
}

// Diverged reports whether the final content differs from the accumulated deltas. That should not
// happen on a healthy transport; Content still wins.
func (c Completion) Diverged() bool {
	return c.Content != c.Accumulated
}
