package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/conversation"
	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/MegaGrindStone/chat-core/internal/notify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tmaxmax/go-sse"
)

// Store is the conversation state machine the handlers drive. conversation.Store implements it.
type Store interface {
	SendMessage(text string) conversation.SendOutcome
	Cancel() bool
	UpdateDraft(draft string)
	NewConversation()
	SelectConversation(id string) error

	Conversations() []models.Conversation
	Conversation(id string) (models.Conversation, error)
	ActiveID() string
	Streaming() models.StreamingState

	SetModel(modelID string)
	Model() string
}

// Renewer accepts a new credential after the session expired.
type Renewer interface {
	Renew(token string)
}

// Main exposes a Store over HTTP. Requests mutate the store; the resulting updates and errors reach
// clients through the server-sent event stream.
type Main struct {
	sseSrv *sse.Server

	store Store
	auth  Renewer

	unsubscribes []func()

	logger *slog.Logger
}

const errLoggerKey = "err"

// SSE event types of errors and of the connection shutdown. Store updates use their own type name.
const (
	errorSSEType = "error"
	closeSSEType = "close"
)

// NewMain creates a Main serving store. Every update published on updates and every error published on
// errs is forwarded to the connected event stream clients.
func NewMain(
	store Store,
	auth Renewer,
	updates *notify.Bus[conversation.Update],
	errs *notify.Bus[chaterr.StructuredError],
	logger *slog.Logger,
) Main {
	m := Main{
		sseSrv: &sse.Server{},
		store:  store,
		auth:   auth,
		logger: logger.With(slog.String("module", "main")),
	}

	m.unsubscribes = append(m.unsubscribes,
		updates.Subscribe(m.publishUpdate),
		errs.Subscribe(m.publishError),
	)
	return m
}

// Routes returns the HTTP handler of every endpoint.
func (m Main) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/events", m.HandleSSE)

	r.Post("/messages", m.HandleSendMessage)
	r.Post("/cancel", m.HandleCancel)
	r.Post("/draft", m.HandleDraft)

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", m.HandleConversations)
		r.Post("/", m.HandleNewConversation)
		r.Get("/{id}", m.HandleConversation)
		r.Post("/{id}/select", m.HandleSelectConversation)
	})

	r.Get("/model", m.HandleModel)
	r.Put("/model", m.HandleSetModel)
	r.Post("/auth", m.HandleRenewAuth)

	return r
}

// HandleSSE serves the event stream.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) publishUpdate(u conversation.Update) {
	m.publishJSON(string(u.Type), u)
}

func (m Main) publishError(e chaterr.StructuredError) {
	m.publishJSON(errorSSEType, errorResponse{
		StructuredError: e,
		Dismissible:     e.Kind.Dismissible(),
		Blocking:        e.Kind.Blocking(),
		RequiresReauth:  e.Kind.RequiresReauth(),
	})
}

func (m Main) publishJSON(typ string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Failed to marshal event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := &sse.Message{Type: sse.Type(typ)}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg); err != nil {
		m.logger.Warn("Failed to publish event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown stops forwarding notifications, tells the clients the stream is closing and waits up to 5
// seconds for their connections to end.
func (m Main) Shutdown(ctx context.Context) error {
	for _, unsubscribe := range m.unsubscribes {
		unsubscribe()
	}

	e := &sse.Message{Type: sse.Type(closeSSEType)}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
