package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/tmaxmax/go-sse"
)

// State is the lifecycle position of an exchange.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StateStreaming:  "streaming",
	StateCompleted:  "completed",
	StateErrored:    "errored",
	StateCancelled:  "cancelled",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// maxErrorBody bounds how much of a non-2xx body is read for classification.
const maxErrorBody = 64 << 10

// DefaultMaxFrameSize bounds a single event of the stream. The done frame carries the whole reply, so
// it is well above go-sse's own default.
const DefaultMaxFrameSize = 4 << 20

// Exchange is the handle of one open stream.
type Exchange struct {
	token        CancellationToken
	cb           Callbacks
	maxFrameSize int
	logger       *slog.Logger

	// deliverMu is held across the cancellation check and the callback it guards.
	deliverMu sync.Mutex

	mu    sync.Mutex
	state State
	done  chan struct{}

	accumulator strings.Builder
}

func newExchange(token CancellationToken, cb Callbacks, maxFrameSize int, logger *slog.Logger) *Exchange {
	return &Exchange{
		token:        token,
		cb:           cb,
		maxFrameSize: maxFrameSize,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// State returns the current state of the exchange.
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the exchange reached a terminal state and released its transport.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the exchange is over and returns its terminal state.
func (e *Exchange) Wait() State {
	<-e.done
	return e.State()
}

// Cancel signals the exchange's cancellation token and waits for a callback already in progress to
// return. Once Cancel returns no callback runs. It must not be called from inside a callback; signal
// the token directly there.
func (e *Exchange) Cancel() {
	e.token.Cancel()
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
}

func (e *Exchange) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return
	}
	e.state = s
}

func (e *Exchange) finish() {
	e.mu.Lock()
	if !e.state.Terminal() {
		e.state = StateCancelled
	}
	e.mu.Unlock()
	close(e.done)
}

func (e *Exchange) cancelled(ctx context.Context) bool {
	return e.token.Cancelled() || errors.Is(ctx.Err(), context.Canceled)
}

// deliver runs fn unless the exchange was cancelled, in which case it moves to StateCancelled and
// reports false.
func (e *Exchange) deliver(fn func()) bool {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if e.token.Cancelled() {
		e.setState(StateCancelled)
		return false
	}
	fn()
	return true
}

func (e *Exchange) fail(se chaterr.StructuredError) {
	e.logger.Warn("Exchange failed",
		slog.String("kind", string(se.Kind)),
		slog.String("err", se.Error()),
	)
	if !e.deliver(func() {
		if e.cb.OnError != nil {
			e.cb.OnError(se)
		}
	}) {
		return
	}
	e.setState(StateErrored)
}

func (e *Exchange) complete(f frame) {
	accumulated := e.accumulator.String()
	c := Completion{
		Content:     accumulated,
		Accumulated: accumulated,
		Usage:       f.Usage.usage(),
		MessageIDs:  f.MessageIDs,
	}
	if f.Content != nil {
		c.Content = *f.Content
	}
	if c.Diverged() {
		e.logger.Warn("Final content diverges from streamed content",
			slog.Int("finalLength", len(c.Content)),
			slog.Int("accumulatedLength", len(c.Accumulated)),
		)
	}

	if !e.deliver(func() {
		if e.cb.OnComplete != nil {
			e.cb.OnComplete(c)
		}
	}) {
		return
	}
	e.setState(StateCompleted)
}

func (e *Exchange) read(ctx context.Context, resp *http.Response) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil && e.cancelled(ctx) {
			e.setState(StateCancelled)
			return
		}
		e.fail(chaterr.Classify(resp.StatusCode, body))
		return
	}

	e.setState(StateStreaming)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		e.readBody(ctx, resp.Body)
		return
	}
	e.readFrames(ctx, resp.Body)
}

func (e *Exchange) readFrames(ctx context.Context, body io.Reader) {
	sawEnd := false

	for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: e.maxFrameSize}) {
		if err != nil {
			if e.cancelled(ctx) {
				e.setState(StateCancelled)
				return
			}
			e.fail(chaterr.Transport(fmt.Errorf("error reading stream: %w", err)))
			return
		}
		if e.token.Cancelled() {
			e.setState(StateCancelled)
			return
		}

		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		if data == EndOfStream {
			sawEnd = true
			break
		}

		var f frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			e.fail(chaterr.Transport(fmt.Errorf("error unmarshaling frame: %w", err)))
			return
		}

		kind := f.Kind
		if kind == "" {
			kind = ev.Type
		}

		switch kind {
		case FrameContent:
			if f.Content == nil || *f.Content == "" {
				continue
			}
			delta := *f.Content
			e.accumulator.WriteString(delta)
			if !e.deliver(func() {
				if e.cb.OnToken != nil {
					e.cb.OnToken(delta)
				}
			}) {
				return
			}
		case FrameDone:
			e.complete(f)
			return
		case FrameError:
			e.fail(chaterr.ClassifyFrame([]byte(data)))
			return
		default:
			e.logger.Debug("Ignoring frame of unknown kind",
				slog.String("kind", kind),
				slog.String("data", data),
			)
		}
	}

	if e.cancelled(ctx) {
		e.setState(StateCancelled)
		return
	}
	if !sawEnd {
		e.fail(chaterr.Transport(fmt.Errorf("stream ended without completion: %w", io.ErrUnexpectedEOF)))
		return
	}

	// End of stream without a done frame: degraded success from what was accumulated.
	e.complete(frame{})
}

// readBody handles a response that was not frame-delimited by treating the whole body as one done
// frame. A body that does not decode as a frame is the reply text itself.
func (e *Exchange) readBody(ctx context.Context, body io.Reader) {
	raw, err := io.ReadAll(body)
	if err != nil {
		if e.cancelled(ctx) {
			e.setState(StateCancelled)
			return
		}
		e.fail(chaterr.Transport(fmt.Errorf("error reading response: %w", err)))
		return
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		e.logger.Debug("Response is not a frame, using it as plain content", slog.String("err", err.Error()))
		content := string(raw)
		f = frame{Kind: FrameDone, Content: &content}
	}
	if f.Kind == FrameError {
		e.fail(chaterr.ClassifyFrame(raw))
		return
	}

	if f.Content != nil {
		e.accumulator.WriteString(*f.Content)
	}
	e.complete(f)
}
