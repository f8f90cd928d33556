package models

import (
	"slices"
	"time"
)

// Conversation represents a dialogue thread. It carries the confirmed messages in insertion order along
// with bookkeeping timestamps and the aggregate token count reported by the completion service.
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	TokenCount int       `json:"tokenCount"`
}

// Message represents an individual entry within a conversation. Messages are treated as immutable
// values once created: the store copies them in and out and never edits one in place.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	ModelID        string    `json:"modelId,omitempty"`
	Usage          *Usage    `json:"usage,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Usage is the token breakdown reported for one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message authored by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the completion service.
	RoleAssistant Role = "assistant"
)

// Clone returns a deep copy of the conversation, so callers can hold on to it without observing later
// transitions of the store.
func (c Conversation) Clone() Conversation {
	c.Messages = slices.Clone(c.Messages)
	for i, msg := range c.Messages {
		if msg.Usage != nil {
			u := *msg.Usage
			c.Messages[i].Usage = &u
		}
	}
	return c
}

// LastMessage returns the most recent message of the conversation and false if it has none.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}
