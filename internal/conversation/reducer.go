package conversation

import (
	"slices"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/models"
)

// TitlePlaceholder is the title of a conversation that has no messages yet.
const TitlePlaceholder = "New conversation"

// titleLength is the number of characters of the first message used as title.
const titleLength = 50

// State is the whole conversation collection together with the streaming state of the send in
// flight. States are values: Reduce never modifies the State it is given.
type State struct {
	Conversations []models.Conversation
	ActiveID      string
	Streaming     models.StreamingState
}

// Event is a transition of State. The set of events is closed to this package.
type Event interface {
	event()
}

// ConversationCreated appends a new conversation and makes it active.
type ConversationCreated struct {
	Conversation models.Conversation
}

// ConversationSelected makes the conversation with ID active. An empty ID deselects.
type ConversationSelected struct {
	ID string
}

// ConversationsRestored adds previously persisted conversations not yet known to the state.
type ConversationsRestored struct {
	Conversations []models.Conversation
}

// MessageSent optimistically appends a user message and starts streaming StreamID for it.
type MessageSent struct {
	Message  models.Message
	StreamID string
	ModelID  string
}

// TokenReceived appends a content delta to the accumulator of StreamID.
type TokenReceived struct {
	StreamID string
	Delta    string
}

// StreamCompleted materializes the reply of StreamID as an assistant message.
type StreamCompleted struct {
	StreamID string
	Message  models.Message
}

// StreamFailed rolls back the optimistic user message of StreamID.
type StreamFailed struct {
	StreamID string
}

// StreamCancelled ends StreamID at the user's request. The user message is kept.
type StreamCancelled struct {
	StreamID string
}

func (ConversationCreated) event()   {}
func (ConversationSelected) event()  {}
func (ConversationsRestored) event() {}
func (MessageSent) event()           {}
func (TokenReceived) event()         {}
func (StreamCompleted) event()       {}
func (StreamFailed) event()          {}
func (StreamCancelled) event()       {}

// Reduce applies ev to s and returns the resulting state. Events that do not apply, such as stream
// events carrying a StreamID other than the current one, return s unchanged.
func Reduce(s State, ev Event) State {
	switch ev := ev.(type) {
	case ConversationCreated:
		if s.index(ev.Conversation.ID) >= 0 {
			return s
		}
		s.Conversations = append(slices.Clone(s.Conversations), ev.Conversation.Clone())
		s.ActiveID = ev.Conversation.ID
		return s

	case ConversationSelected:
		if ev.ID != "" && s.index(ev.ID) < 0 {
			return s
		}
		s.ActiveID = ev.ID
		return s

	case ConversationsRestored:
		convs := slices.Clone(s.Conversations)
		for _, c := range ev.Conversations {
			if s.index(c.ID) < 0 && !slices.ContainsFunc(convs, func(o models.Conversation) bool { return o.ID == c.ID }) {
				convs = append(convs, c.Clone())
			}
		}
		s.Conversations = convs
		return s

	case MessageSent:
		idx := s.index(ev.Message.ConversationID)
		if idx < 0 || s.Streaming.IsStreaming {
			return s
		}

		conv := s.Conversations[idx].Clone()
		if len(conv.Messages) == 0 {
			conv.Title = Title(ev.Message.Content)
		}
		conv.Messages = append(conv.Messages, ev.Message)
		conv.UpdatedAt = ev.Message.CreatedAt

		s = s.replace(idx, conv)
		s.Streaming = models.StreamingState{
			IsStreaming:    true,
			StreamID:       ev.StreamID,
			ConversationID: conv.ID,
			UserMessageID:  ev.Message.ID,
			ModelID:        ev.ModelID,
		}
		return s

	case TokenReceived:
		if !s.current(ev.StreamID) {
			return s
		}
		s.Streaming.Accumulator += ev.Delta
		return s

	case StreamCompleted:
		if !s.current(ev.StreamID) {
			return s
		}
		idx := s.index(s.Streaming.ConversationID)
		s.Streaming = models.StreamingState{}
		if idx < 0 {
			return s
		}

		conv := s.Conversations[idx].Clone()
		conv.Messages = append(conv.Messages, ev.Message)
		conv.UpdatedAt = ev.Message.CreatedAt
		if ev.Message.Usage != nil {
			conv.TokenCount += ev.Message.Usage.TotalTokens
		}
		return s.replace(idx, conv)

	case StreamFailed:
		if !s.current(ev.StreamID) {
			return s
		}
		idx := s.index(s.Streaming.ConversationID)
		userMsgID := s.Streaming.UserMessageID
		s.Streaming = models.StreamingState{}
		if idx < 0 {
			return s
		}

		conv := s.Conversations[idx].Clone()
		// Only the most recent message can be the optimistic one; anything else is left alone.
		last, ok := conv.LastMessage()
		if !ok || last.ID != userMsgID {
			return s
		}
		conv.Messages = conv.Messages[:len(conv.Messages)-1]
		if len(conv.Messages) == 0 {
			conv.Title = TitlePlaceholder
		}
		return s.replace(idx, conv)

	case StreamCancelled:
		if !s.current(ev.StreamID) {
			return s
		}
		s.Streaming = models.StreamingState{}
		return s
	}

	return s
}

// Title derives a conversation title from the first characters of content.
func Title(content string) string {
	runes := []rune(content)
	if len(runes) > titleLength {
		runes = runes[:titleLength]
	}
	return string(runes)
}

// Conversation returns the conversation with the given ID.
func (s State) Conversation(id string) (models.Conversation, bool) {
	idx := s.index(id)
	if idx < 0 {
		return models.Conversation{}, false
	}
	return s.Conversations[idx], true
}

func (s State) index(id string) int {
	return slices.IndexFunc(s.Conversations, func(c models.Conversation) bool { return c.ID == id })
}

func (s State) current(streamID string) bool {
	return s.Streaming.IsStreaming && streamID != "" && s.Streaming.StreamID == streamID
}

func (s State) replace(idx int, conv models.Conversation) State {
	s.Conversations = slices.Clone(s.Conversations)
	s.Conversations[idx] = conv
	return s
}

func newConversation(id string, now time.Time) models.Conversation {
	return models.Conversation{
		ID:        id,
		Title:     TitlePlaceholder,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
