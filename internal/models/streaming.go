package models

// StreamingState is the transient, conversation-scoped view of the reply currently being streamed.
// The zero value means nothing is streaming.
type StreamingState struct {
	IsStreaming    bool   `json:"isStreaming"`
	Accumulator    string `json:"accumulator"`
	StreamID       string `json:"streamId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	// UserMessageID is the optimistic user message the stream answers. It is the only message a failed
	// stream may roll back.
	UserMessageID string `json:"userMessageId,omitempty"`
	ModelID       string `json:"modelId,omitempty"`
}

// StreamingFor reports whether a stream is active for the given conversation.
func (s StreamingState) StreamingFor(conversationID string) bool {
	return s.IsStreaming && s.ConversationID == conversationID
}
