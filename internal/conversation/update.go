package conversation

import (
	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/MegaGrindStone/chat-core/internal/usagegate"
)

// UpdateType identifies a visible change of the store.
type UpdateType string

// Update types published by the store.
const (
	UpdateConversation UpdateType = "conversation"
	UpdateMessage      UpdateType = "message"
	UpdateToken        UpdateType = "token"
	UpdateComplete     UpdateType = "complete"
	UpdateRollback     UpdateType = "rollback"
	UpdateCancel       UpdateType = "cancel"
	UpdateWarning      UpdateType = "warning"
)

// Update notifies subscribers of a change. Only the fields relevant to Type are set.
type Update struct {
	Type           UpdateType `json:"type"`
	ConversationID string     `json:"conversationId"`

	// Delta is set for UpdateToken.
	Delta string `json:"delta,omitempty"`
	// Message is the appended message for UpdateMessage and UpdateComplete.
	Message *models.Message `json:"message,omitempty"`
	// MessageID is the removed message for UpdateRollback.
	MessageID string `json:"messageId,omitempty"`
	// Error is the cause of an UpdateRollback.
	Error *chaterr.StructuredError `json:"error,omitempty"`
	// Decision is the gate decision behind an UpdateWarning.
	Decision *usagegate.Decision `json:"decision,omitempty"`
}
