package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/conversation"
	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/go-chi/chi/v5"
)

type sendResponse struct {
	Outcome        conversation.SendOutcome `json:"outcome"`
	ConversationID string                   `json:"conversationId,omitempty"`
}

type conversationSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	TokenCount int       `json:"tokenCount"`
	UpdatedAt  time.Time `json:"updatedAt"`

	Active    bool `json:"active"`
	Streaming bool `json:"streaming"`
}

type conversationResponse struct {
	models.Conversation

	Active bool `json:"active"`
	// Streaming is the reply being received for this conversation, if any. It is never part of
	// Messages.
	Streaming *streamingResponse `json:"streaming,omitempty"`
}

type streamingResponse struct {
	Content string `json:"content"`
	ModelID string `json:"modelId"`
}

type errorResponse struct {
	chaterr.StructuredError

	Dismissible    bool `json:"dismissible"`
	Blocking       bool `json:"blocking"`
	RequiresReauth bool `json:"requiresReauth"`
}

// sendStatus maps what the store did with a message to an HTTP status. The details of blocked and
// confirmation outcomes travel over the event stream.
var sendStatus = map[conversation.SendOutcome]int{
	conversation.OutcomeSent:              http.StatusAccepted,
	conversation.OutcomeIgnored:           http.StatusConflict,
	conversation.OutcomeBlocked:           http.StatusForbidden,
	conversation.OutcomeNeedsConfirmation: http.StatusOK,
}

// HandleSendMessage sends the "message" form field on the active conversation. The reply streams over
// the event stream; the response only reports the outcome of the send.
func (m Main) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	outcome := m.store.SendMessage(msg)
	m.logger.Debug("Message handled", slog.String("outcome", string(outcome)))

	status, ok := sendStatus[outcome]
	if !ok {
		status = http.StatusInternalServerError
	}
	m.writeJSON(w, status, sendResponse{
		Outcome:        outcome,
		ConversationID: m.store.ActiveID(),
	})
}

// HandleCancel cancels the reply in flight.
func (m Main) HandleCancel(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": m.store.Cancel()})
}

// HandleDraft reports the draft being composed so that the usage warning is shown once per
// composition.
func (m Main) HandleDraft(w http.ResponseWriter, r *http.Request) {
	m.store.UpdateDraft(r.FormValue("draft"))
	w.WriteHeader(http.StatusNoContent)
}

// HandleConversations lists the conversations without their messages.
func (m Main) HandleConversations(w http.ResponseWriter, _ *http.Request) {
	convs := m.store.Conversations()
	activeID := m.store.ActiveID()
	streaming := m.store.Streaming()

	summaries := make([]conversationSummary, len(convs))
	for i, c := range convs {
		summaries[i] = conversationSummary{
			ID:         c.ID,
			Title:      c.Title,
			TokenCount: c.TokenCount,
			UpdatedAt:  c.UpdatedAt,
			Active:     c.ID == activeID,
			Streaming:  streaming.StreamingFor(c.ID),
		}
	}
	m.writeJSON(w, http.StatusOK, summaries)
}

// HandleConversation returns one conversation with its messages and the reply being received.
func (m Main) HandleConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := m.store.Conversation(id)
	if errors.Is(err, conversation.ErrConversationNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		m.logger.Error("Failed to get conversation",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := conversationResponse{
		Conversation: conv,
		Active:       conv.ID == m.store.ActiveID(),
	}
	if s := m.store.Streaming(); s.StreamingFor(conv.ID) {
		resp.Streaming = &streamingResponse{Content: s.Accumulator, ModelID: s.ModelID}
	}
	m.writeJSON(w, http.StatusOK, resp)
}

// HandleNewConversation deselects the active conversation; the next message starts a new one.
func (m Main) HandleNewConversation(w http.ResponseWriter, _ *http.Request) {
	m.store.NewConversation()
	w.WriteHeader(http.StatusNoContent)
}

// HandleSelectConversation makes the conversation in the path active.
func (m Main) HandleSelectConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := m.store.SelectConversation(id); err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to select conversation",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleModel returns the model used for sends.
func (m Main) HandleModel(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]string{"model": m.store.Model()})
}

// HandleSetModel changes the model used for the next sends. Entitlement is checked when sending.
func (m Main) HandleSetModel(w http.ResponseWriter, r *http.Request) {
	model := strings.TrimSpace(r.FormValue("model"))
	if model == "" {
		http.Error(w, "Model is required", http.StatusBadRequest)
		return
	}
	m.store.SetModel(model)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRenewAuth replaces an expired credential with the "token" form field.
func (m Main) HandleRenewAuth(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.FormValue("token"))
	if token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}
	m.auth.Renew(token)
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}
