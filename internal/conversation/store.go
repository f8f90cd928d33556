// Package conversation owns the conversation collection and the optimistic send state machine. A user
// message becomes visible as soon as it is sent; it is kept when the reply completes or the user
// cancels, and rolled back when the exchange fails.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/MegaGrindStone/chat-core/internal/notify"
	"github.com/MegaGrindStone/chat-core/internal/stream"
	"github.com/MegaGrindStone/chat-core/internal/usagegate"
	"github.com/google/uuid"
)

// ErrConversationNotFound is returned when a conversation ID is not part of the store.
var ErrConversationNotFound = errors.New("conversation not found")

// Streamer opens one completion exchange. stream.Client implements it.
type Streamer interface {
	Open(ctx context.Context, req stream.Request, cb stream.Callbacks, token stream.CancellationToken) (*stream.Exchange, error)
}

// AuthProvider reports whether there is an authenticated actor and lets the store invalidate the
// session when the service rejects it.
type AuthProvider interface {
	IsValid() bool
	Invalidate()
}

// TierService supplies the user's tier and usage snapshots. The snapshots are refreshed outside of the
// store and may be a few seconds stale.
type TierService interface {
	UsageSnapshot() models.UsageSnapshot
	DailyMessageSnapshot() models.UsageSnapshot
	CurrentTier() models.UserTier
}

// Persistence stores materialized conversations. It is never handed an in-flight send.
type Persistence interface {
	SaveConversationMetadata(ctx context.Context, conv models.Conversation) error
}

// SendOutcome is what SendMessage did with a message.
type SendOutcome string

const (
	// OutcomeSent means the message was appended and a stream opened.
	OutcomeSent SendOutcome = "sent"
	// OutcomeIgnored means the call was a no-op: empty text, no authenticated actor or a stream
	// already in flight.
	OutcomeIgnored SendOutcome = "ignored"
	// OutcomeBlocked means the usage gate refused the send; the error was published.
	OutcomeBlocked SendOutcome = "blocked"
	// OutcomeNeedsConfirmation means the user was warned and must resubmit to confirm.
	OutcomeNeedsConfirmation SendOutcome = "needs_confirmation"
)

// Options configures a Store. Streamer, Auth and Tiers are required.
type Options struct {
	Streamer    Streamer
	Auth        AuthProvider
	Tiers       TierService
	Gate        usagegate.Gate
	Classifier  chaterr.Classifier
	Persistence Persistence

	// Updates receives a notification for every visible change. It may be nil.
	Updates *notify.Bus[Update]

	ModelID string
	Logger  *slog.Logger

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// Store is the conversation state machine. All transitions go through Reduce under the store's lock,
// so stream callbacks arriving on other goroutines are serialized with user actions.
type Store struct {
	streamer    Streamer
	auth        AuthProvider
	tiers       TierService
	gate        usagegate.Gate
	classifier  chaterr.Classifier
	persistence Persistence
	updates     *notify.Bus[Update]

	now   func() time.Time
	newID func() string

	logger *slog.Logger

	mu      sync.Mutex
	state   State
	compose usagegate.Compose
	modelID string
	cancel  stream.CancellationToken

	// revision orders snapshots taken for persistence. Guarded by mu.
	revision uint64

	saveMu sync.Mutex
	saved  map[string]uint64
}

// New creates a Store from opts.
func New(opts Options) *Store {
	s := &Store{
		streamer:    opts.Streamer,
		auth:        opts.Auth,
		tiers:       opts.Tiers,
		gate:        opts.Gate,
		classifier:  opts.Classifier,
		persistence: opts.Persistence,
		updates:     opts.Updates,
		now:         opts.Now,
		newID:       opts.NewID,
		modelID:     opts.ModelID,
		logger:      opts.Logger,
		saved:       make(map[string]uint64),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("module", "conversation"))
	if s.classifier == (chaterr.Classifier{}) {
		s.classifier = chaterr.NewClassifier(nil, s.logger)
	}
	return s
}

// SendMessage sends text on the active conversation, creating one when none is active. See
// SendOutcome for the possible results. The reply arrives asynchronously.
func (s *Store) SendMessage(text string) SendOutcome {
	text = strings.TrimSpace(text)
	if text == "" {
		return OutcomeIgnored
	}
	if !s.auth.IsValid() {
		s.logger.Debug("Ignoring send without an authenticated actor")
		return OutcomeIgnored
	}

	s.mu.Lock()

	if s.state.Streaming.IsStreaming {
		streamingID := s.state.Streaming.ConversationID
		s.mu.Unlock()
		s.logger.Debug("Ignoring send while streaming", slog.String("conversationID", streamingID))
		return OutcomeIgnored
	}

	var pending []Update
	convID := s.state.ActiveID
	if convID == "" {
		conv := newConversation(s.newID(), s.now())
		s.state = Reduce(s.state, ConversationCreated{Conversation: conv})
		convID = conv.ID
		pending = append(pending, Update{Type: UpdateConversation, ConversationID: convID})
	}

	tier := s.tiers.CurrentTier()
	decision := s.gate.CanSend(text, s.modelID, tier,
		s.tiers.UsageSnapshot(), s.tiers.DailyMessageSnapshot(), s.compose.Warned())

	if e, blocked := decision.Error(tier.AllowedModels); blocked {
		s.mu.Unlock()
		s.publish(pending...)
		s.logger.Info("Send blocked by usage gate",
			slog.String("reason", string(decision.Reason)),
			slog.String("tier", tier.Name))
		s.classifier.Publish(e)
		return OutcomeBlocked
	}
	if decision.RequiresConfirmation {
		s.compose.MarkWarned()
		s.mu.Unlock()
		s.publish(append(pending, Update{Type: UpdateWarning, ConversationID: convID, Decision: &decision})...)
		return OutcomeNeedsConfirmation
	}

	msg := models.Message{
		ID:             s.newID(),
		ConversationID: convID,
		Role:           models.RoleUser,
		Content:        text,
		CreatedAt:      s.now(),
	}
	streamID := s.newID()
	modelID := s.modelID

	s.state = Reduce(s.state, MessageSent{Message: msg, StreamID: streamID, ModelID: modelID})
	conv, _ := s.state.Conversation(convID)
	history := conv.Clone().Messages

	token := stream.NewCancellationToken()
	s.cancel = token
	s.compose.Reset()
	s.mu.Unlock()

	s.publish(append(pending, Update{Type: UpdateMessage, ConversationID: convID, Message: &msg})...)

	_, err := s.streamer.Open(context.Background(), stream.Request{
		History:        history,
		ModelID:        modelID,
		ConversationID: convID,
	}, s.callbacks(streamID), token)
	if err != nil {
		s.logger.Error("Failed to open stream", slog.String("err", err.Error()))
		e := chaterr.New(chaterr.KindUnknown)
		e.Err = err
		s.fail(streamID, e)
	}

	return OutcomeSent
}

func (s *Store) callbacks(streamID string) stream.Callbacks {
	return stream.Callbacks{
		OnToken: func(delta string) {
			s.receive(streamID, delta)
		},
		OnComplete: func(c stream.Completion) {
			s.complete(streamID, c)
		},
		OnError: func(e chaterr.StructuredError) {
			s.fail(streamID, e)
		},
	}
}

func (s *Store) receive(streamID, delta string) {
	s.mu.Lock()
	if !s.state.current(streamID) {
		s.mu.Unlock()
		return
	}
	s.state = Reduce(s.state, TokenReceived{StreamID: streamID, Delta: delta})
	convID := s.state.Streaming.ConversationID
	s.mu.Unlock()

	s.publish(Update{Type: UpdateToken, ConversationID: convID, Delta: delta})
}

func (s *Store) complete(streamID string, c stream.Completion) {
	s.mu.Lock()
	if !s.state.current(streamID) {
		s.mu.Unlock()
		return
	}

	if c.Diverged() {
		s.logger.Warn("Materializing final content that differs from the streamed tokens",
			slog.String("streamID", streamID))
	}

	convID := s.state.Streaming.ConversationID
	msgID := s.newID()
	if c.MessageIDs != nil && c.MessageIDs.Assistant != "" {
		msgID = c.MessageIDs.Assistant
	}
	msg := models.Message{
		ID:             msgID,
		ConversationID: convID,
		Role:           models.RoleAssistant,
		Content:        c.Content,
		ModelID:        s.state.Streaming.ModelID,
		Usage:          c.Usage,
		CreatedAt:      s.now(),
	}

	s.state = Reduce(s.state, StreamCompleted{StreamID: streamID, Message: msg})
	s.cancel = nil
	conv, _ := s.state.Conversation(convID)
	conv = conv.Clone()
	s.revision++
	rev := s.revision
	s.mu.Unlock()

	s.publish(Update{Type: UpdateComplete, ConversationID: convID, Message: &msg})
	s.save(conv, rev)
}

// save persists conv unless a snapshot of a later revision was already saved.
func (s *Store) save(conv models.Conversation, rev uint64) {
	if s.persistence == nil {
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.saved[conv.ID] >= rev {
		s.logger.Debug("Skipping stale conversation snapshot",
			slog.String("conversationID", conv.ID),
			slog.Uint64("revision", rev))
		return
	}
	if err := s.persistence.SaveConversationMetadata(context.Background(), conv); err != nil {
		s.logger.Error("Failed to save conversation",
			slog.String("conversationID", conv.ID),
			slog.String("err", err.Error()))
		return
	}
	s.saved[conv.ID] = rev
}

func (s *Store) fail(streamID string, e chaterr.StructuredError) {
	s.mu.Lock()
	if !s.state.current(streamID) {
		s.mu.Unlock()
		return
	}

	convID := s.state.Streaming.ConversationID
	userMsgID := s.state.Streaming.UserMessageID
	modelID := s.state.Streaming.ModelID
	s.state = Reduce(s.state, StreamFailed{StreamID: streamID})
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("Rolled back message after failed stream",
		slog.String("conversationID", convID),
		slog.String("messageID", userMsgID),
		slog.String("kind", string(e.Kind)))

	if e.Kind.RequiresReauth() {
		s.auth.Invalidate()
	}
	if e.RemediationTier == "" {
		switch {
		case e.Kind == chaterr.KindModelNotAllowed:
			e.RemediationTier = s.gate.TierFor(modelID)
		case e.Kind.Blocking():
			tierName := e.CurrentTier
			if tierName == "" {
				tierName = s.tiers.CurrentTier().Name
			}
			e.RemediationTier = s.gate.UpgradeFrom(tierName)
		}
	}

	s.publish(Update{Type: UpdateRollback, ConversationID: convID, MessageID: userMsgID, Error: &e})
	s.classifier.Publish(e)
}

// Cancel stops the stream in flight, if any, and reports whether there was one. The user message of
// the cancelled send stays in the conversation.
func (s *Store) Cancel() bool {
	s.mu.Lock()
	token, convID := s.cancelLocked()
	s.mu.Unlock()

	if token == nil {
		return false
	}
	token.Cancel()
	s.publish(Update{Type: UpdateCancel, ConversationID: convID})
	return true
}

func (s *Store) cancelLocked() (stream.CancellationToken, string) {
	if !s.state.Streaming.IsStreaming {
		return nil, ""
	}

	convID := s.state.Streaming.ConversationID
	s.state = Reduce(s.state, StreamCancelled{StreamID: s.state.Streaming.StreamID})
	token := s.cancel
	s.cancel = nil
	if token == nil {
		token = stream.NewCancellationToken()
	}
	return token, convID
}

// SelectConversation makes the conversation with id active. A stream in flight on another conversation
// is cancelled first; already materialized messages are never touched.
func (s *Store) SelectConversation(id string) error {
	s.mu.Lock()
	if _, ok := s.state.Conversation(id); !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}

	var token stream.CancellationToken
	var cancelledID string
	if s.state.Streaming.IsStreaming && s.state.Streaming.ConversationID != id {
		token, cancelledID = s.cancelLocked()
	}
	s.state = Reduce(s.state, ConversationSelected{ID: id})
	s.compose.Reset()
	s.mu.Unlock()

	if token != nil {
		token.Cancel()
		s.publish(Update{Type: UpdateCancel, ConversationID: cancelledID})
	}
	return nil
}

// NewConversation deselects the active conversation, so the next send starts a new one. Like switching
// conversations, it cancels a stream in flight.
func (s *Store) NewConversation() {
	s.mu.Lock()
	token, cancelledID := s.cancelLocked()
	s.state = Reduce(s.state, ConversationSelected{})
	s.compose.Reset()
	s.mu.Unlock()

	if token != nil {
		token.Cancel()
		s.publish(Update{Type: UpdateCancel, ConversationID: cancelledID})
	}
}

// Restore adds previously persisted conversations to the store.
func (s *Store) Restore(convs []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Reduce(s.state, ConversationsRestored{Conversations: convs})
}

// UpdateDraft tells the store about the draft being composed; clearing it resets the warn-once state.
func (s *Store) UpdateDraft(draft string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compose.UpdateDraft(draft)
}

// SetModel selects the model used for subsequent sends.
func (s *Store) SetModel(modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelID = modelID
}

// Model returns the model used for sends.
func (s *Store) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// Conversations returns a copy of every conversation, in creation order.
func (s *Store) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	convs := make([]models.Conversation, len(s.state.Conversations))
	for i, c := range s.state.Conversations {
		convs[i] = c.Clone()
	}
	return convs
}

// Conversation returns a copy of the conversation with id.
func (s *Store) Conversation(id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.state.Conversation(id)
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

// ActiveID returns the ID of the active conversation, empty when none is.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ActiveID
}

// Streaming returns the current streaming state.
func (s *Store) Streaming() models.StreamingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Streaming
}

// Close cancels the stream in flight.
func (s *Store) Close() {
	s.Cancel()
}

func (s *Store) publish(updates ...Update) {
	for _, u := range updates {
		s.updates.Publish(u)
	}
}
