package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/notify"
	"github.com/nats-io/nats.go"
)

// DefaultErrorSubject is the subject classified errors are relayed to when none is configured.
const DefaultErrorSubject = "chat.errors"

// NATSRelay forwards classified errors from a notification bus to a NATS subject, so that processes
// other than the one holding the conversation can present them.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger

	unsubscribe func()
}

// RelayedError is the message published for every classified error.
type RelayedError struct {
	chaterr.StructuredError
	Dismissible bool      `json:"dismissible"`
	Blocking    bool      `json:"blocking"`
	Time        time.Time `json:"time"`
}

// NewNATSRelay connects to url and starts relaying errors published on bus to subject.
func NewNATSRelay(url, subject string, bus *notify.Bus[chaterr.StructuredError], logger *slog.Logger) (*NATSRelay, error) {
	logger = logger.With(slog.String("module", "nats"))
	if subject == "" {
		subject = DefaultErrorSubject
	}

	nc, err := nats.Connect(url,
		nats.Name("chat-core"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("err", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	r := &NATSRelay{
		conn:    nc,
		subject: subject,
		logger:  logger,
	}
	r.unsubscribe = bus.Subscribe(r.relay)
	return r, nil
}

func (r *NATSRelay) relay(e chaterr.StructuredError) {
	payload, err := json.Marshal(RelayedError{
		StructuredError: e,
		Dismissible:     e.Kind.Dismissible(),
		Blocking:        e.Kind.Blocking(),
		Time:            time.Now(),
	})
	if err != nil {
		r.logger.Error("Failed to marshal error", slog.String("err", err.Error()))
		return
	}
	if err := r.conn.Publish(r.subject, payload); err != nil {
		r.logger.Error("Failed to publish error",
			slog.String("subject", r.subject),
			slog.String("err", err.Error()))
	}
}

// Close stops relaying and drains the connection.
func (r *NATSRelay) Close() error {
	r.unsubscribe()
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
