// Package stream implements the protocol client of the completion endpoint. A Client performs one
// exchange per Open call: it sends the whole conversation history, consumes the incremental frame
// stream of the reply and reports it through callbacks.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/models"
)

// ErrInvalidHistory is returned by Open when the history is empty or does not end with a user message.
var ErrInvalidHistory = errors.New("history must be non-empty and end with a user message")

// AuthProvider supplies the bearer token for requests.
type AuthProvider interface {
	BearerToken() (string, bool)
}

// Parameters tunes the completion requests of a Client.
type Parameters struct {
	MaxTokens   int
	Temperature float64

	// MaxFrameSize is the largest event accepted from the stream, in bytes. Zero means
	// DefaultMaxFrameSize.
	MaxFrameSize int

	// HTTPClient defaults to a plain http.Client. Streams are long-lived, so it should not carry a
	// total request timeout.
	HTTPClient *http.Client
}

// Client talks to one completion endpoint.
type Client struct {
	endpoint     string
	maxTokens    int
	temperature  float64
	maxFrameSize int

	auth   AuthProvider
	client *http.Client

	logger *slog.Logger
}

// Request describes one exchange.
type Request struct {
	History        []models.Message
	ModelID        string
	ConversationID string
}

// Callbacks receive the outcome of an exchange. Any of them may be nil. OnToken is called once per
// content frame in arrival order; at most one of OnComplete and OnError is called, and neither is
// called once the exchange was cancelled.
type Callbacks struct {
	OnToken    func(delta string)
	OnComplete func(Completion)
	OnError    func(chaterr.StructuredError)
}

// NewClient creates a Client posting to endpoint, authenticated by auth.
func NewClient(endpoint string, auth AuthProvider, params Parameters, logger *slog.Logger) Client {
	client := params.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	maxFrameSize := params.MaxFrameSize
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return Client{
		endpoint:     endpoint,
		maxTokens:    params.MaxTokens,
		temperature:  params.Temperature,
		maxFrameSize: maxFrameSize,
		auth:         auth,
		client:       client,
		logger:       logger.With(slog.String("module", "stream")),
	}
}

func (r Request) validate() error {
	if len(r.History) == 0 {
		return fmt.Errorf("%w: history is empty", ErrInvalidHistory)
	}
	if last := r.History[len(r.History)-1]; last.Role != models.RoleUser {
		return fmt.Errorf("%w: last message has role %q", ErrInvalidHistory, last.Role)
	}
	return nil
}

// Open validates req and starts the exchange in the background, returning a handle to observe it. An
// invalid history fails with ErrInvalidHistory before anything is sent. Signalling token cancels the
// exchange at any point before it reaches a terminal state; a nil token means the exchange can only be
// stopped through ctx.
func (c Client) Open(ctx context.Context, req Request, cb Callbacks, token CancellationToken) (*Exchange, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if token == nil {
		token = NewCancellationToken()
	}

	ex := newExchange(token, cb, c.maxFrameSize, c.logger)
	go c.run(ctx, ex, req)
	return ex, nil
}

func (c Client) run(ctx context.Context, ex *Exchange, req Request) {
	defer ex.finish()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ex.token.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	ex.setState(StateConnecting)

	bearer, ok := c.auth.BearerToken()
	if !ok {
		ex.fail(chaterr.New(chaterr.KindAuthenticationExpired))
		return
	}

	resp, err := c.doRequest(ctx, req, bearer)
	if err != nil {
		if ex.cancelled(ctx) {
			ex.setState(StateCancelled)
			return
		}
		ex.fail(chaterr.Transport(fmt.Errorf("error sending request: %w", err)))
		return
	}
	defer resp.Body.Close()

	ex.read(ctx, resp)
}

func (c Client) doRequest(ctx context.Context, req Request, bearer string) (*http.Response, error) {
	msgs := make([]chatMessage, len(req.History))
	for i, msg := range req.History {
		msgs[i] = chatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	reqBody := chatRequest{
		Model:          req.ModelID,
		Messages:       msgs,
		ConversationID: req.ConversationID,
		Stream:         true,
		MaxTokens:      c.maxTokens,
		Temperature:    c.temperature,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	c.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+bearer)

	return c.client.Do(httpReq)
}
