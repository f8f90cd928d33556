package chaterr

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/MegaGrindStone/chat-core/internal/notify"
)

type errorPayload struct {
	Kind          string          `json:"kind"`
	Type          string          `json:"type"`
	Error         json.RawMessage `json:"error"`
	Message       string          `json:"message"`
	Usage         *usagePayload   `json:"usage"`
	UserTier      string          `json:"userTier"`
	AllowedModels []string        `json:"allowedModels"`
}

type usagePayload struct {
	Current    int      `json:"current"`
	Limit      int      `json:"limit"`
	Percentage *float64 `json:"percentage"`
	ResetTime  string   `json:"resetTime"`
}

// knownTypes is keyed by normalizeType output, so "DAILY_MESSAGE_LIMIT_EXCEEDED",
// "daily_message_limit_exceeded" and "DailyMessageLimitExceeded" all land on the same entry.
var knownTypes = map[string]Kind{
	"AUTHENTICATIONEXPIRED":     KindAuthenticationExpired,
	"UNAUTHORIZED":              KindAuthenticationExpired,
	"INVALIDTOKEN":              KindAuthenticationExpired,
	"DAILYMESSAGELIMITEXCEEDED": KindDailyMessageLimitExceeded,
	"MONTHLYTOKENLIMITEXCEEDED": KindMonthlyTokenLimitExceeded,
	"TOKENLIMITEXCEEDED":        KindMonthlyTokenLimitExceeded,
	"MODELNOTALLOWED":           KindModelNotAllowed,
	"TRANSPORTFAILURE":          KindTransportFailure,
}

func normalizeType(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, s)
}

// Classify maps an HTTP failure onto the taxonomy. The body is expected to be the service's JSON error
// payload but anything is accepted: a body without a recognizable type classifies as KindUnknown, except
// that a bare 401 still means the session expired.
func Classify(status int, body []byte) StructuredError {
	p := decodePayload(body)

	kind, ok := p.kind()
	if !ok {
		kind = KindUnknown
		if status == http.StatusUnauthorized {
			kind = KindAuthenticationExpired
		}
	}

	e := p.structured(kind)
	e.Status = status
	return e
}

// ClassifyFrame maps the data of an in-stream error frame onto the taxonomy.
func ClassifyFrame(data []byte) StructuredError {
	p := decodePayload(data)

	kind, ok := p.kind()
	if !ok {
		kind = KindUnknown
	}
	return p.structured(kind)
}

// Transport wraps a transport-level failure such as a refused connection or a malformed stream.
func Transport(err error) StructuredError {
	e := New(KindTransportFailure)
	e.Err = err
	return e
}

func decodePayload(body []byte) errorPayload {
	var p errorPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return errorPayload{}
	}

	// Some producers nest the payload under "error" instead of inlining it.
	if bytes.HasPrefix(bytes.TrimSpace(p.Error), []byte("{")) {
		var nested errorPayload
		if err := json.Unmarshal(p.Error, &nested); err == nil {
			nested.Kind = ""
			p = p.merge(nested)
		}
	}
	return p
}

func (p errorPayload) merge(n errorPayload) errorPayload {
	if p.Type == "" {
		p.Type = n.Type
	}
	if p.Message == "" {
		p.Message = n.Message
	}
	if p.Usage == nil {
		p.Usage = n.Usage
	}
	if p.UserTier == "" {
		p.UserTier = n.UserTier
	}
	if p.AllowedModels == nil {
		p.AllowedModels = n.AllowedModels
	}
	p.Error = n.Error
	return p
}

func (p errorPayload) kind() (Kind, bool) {
	if k, ok := knownTypes[normalizeType(p.Type)]; ok {
		return k, true
	}
	// "error" is the frame tag, not a classification.
	if k, ok := knownTypes[normalizeType(p.Kind)]; ok {
		return k, true
	}
	return "", false
}

func (p errorPayload) structured(kind Kind) StructuredError {
	e := New(kind)

	switch {
	case p.Message != "":
		e.Message = p.Message
	case len(p.Error) > 0:
		var s string
		if err := json.Unmarshal(p.Error, &s); err == nil && s != "" {
			e.Message = s
		}
	}

	if p.Usage != nil {
		e.Usage = p.Usage.snapshot()
	}
	e.CurrentTier = p.UserTier
	e.AllowedModels = p.AllowedModels
	return e
}

func (u usagePayload) snapshot() *models.UsageSnapshot {
	s := &models.UsageSnapshot{
		Current: u.Current,
		Limit:   u.Limit,
	}
	if u.Percentage != nil {
		s.Percentage = *u.Percentage
	} else {
		s.Percentage = models.UsagePercentage(u.Current, u.Limit)
	}
	if u.ResetTime != "" {
		if t, err := time.Parse(time.RFC3339, u.ResetTime); err == nil {
			s.ResetAt = t
		}
	}
	return s
}

// Classifier publishes classified errors on a notification bus so that subscribers such as a modal
// presenter can react without being wired through every call site.
type Classifier struct {
	bus    *notify.Bus[StructuredError]
	logger *slog.Logger
}

// NewClassifier creates a Classifier publishing on bus.
func NewClassifier(bus *notify.Bus[StructuredError], logger *slog.Logger) Classifier {
	return Classifier{
		bus:    bus,
		logger: logger.With(slog.String("module", "chaterr")),
	}
}

// Publish logs e and delivers it to the bus subscribers.
func (c Classifier) Publish(e StructuredError) {
	c.logger.Info("Publishing error",
		slog.String("kind", string(e.Kind)),
		slog.String("message", e.Message),
		slog.Int("status", e.Status),
	)
	c.bus.Publish(e)
}
