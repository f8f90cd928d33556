package chaterr_test

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/MegaGrindStone/chat-core/internal/notify"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   chaterr.StructuredError
	}{
		{
			name:   "daily limit computes percentage",
			status: http.StatusTooManyRequests,
			body:   `{"type":"DAILY_MESSAGE_LIMIT_EXCEEDED","usage":{"current":25,"limit":25}}`,
			want: chaterr.StructuredError{
				Kind:    chaterr.KindDailyMessageLimitExceeded,
				Message: "You have reached your daily message limit.",
				Status:  http.StatusTooManyRequests,
				Usage:   &models.UsageSnapshot{Current: 25, Limit: 25, Percentage: 100},
			},
		},
		{
			name:   "monthly limit keeps payload fields",
			status: http.StatusTooManyRequests,
			body: `{"error":"limit","type":"MONTHLY_TOKEN_LIMIT_EXCEEDED","message":"Token quota used",
				"usage":{"current":990,"limit":1000,"percentage":99,"resetTime":"2025-07-15T00:00:00Z"},
				"userTier":"free","allowedModels":["small"]}`,
			want: chaterr.StructuredError{
				Kind:    chaterr.KindMonthlyTokenLimitExceeded,
				Message: "Token quota used",
				Status:  http.StatusTooManyRequests,
				Usage: &models.UsageSnapshot{
					Current:    990,
					Limit:      1000,
					Percentage: 99,
					ResetAt:    time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
				},
				CurrentTier:   "free",
				AllowedModels: []string{"small"},
			},
		},
		{
			name:   "model not allowed uses error string as message",
			status: http.StatusForbidden,
			body:   `{"error":"model large is not on your plan","type":"MODEL_NOT_ALLOWED","userTier":"free"}`,
			want: chaterr.StructuredError{
				Kind:        chaterr.KindModelNotAllowed,
				Message:     "model large is not on your plan",
				Status:      http.StatusForbidden,
				CurrentTier: "free",
			},
		},
		{
			name:   "bare 401",
			status: http.StatusUnauthorized,
			body:   `Unauthorized`,
			want: chaterr.StructuredError{
				Kind:    chaterr.KindAuthenticationExpired,
				Message: "Your session has expired. Please sign in again.",
				Status:  http.StatusUnauthorized,
			},
		},
		{
			name:   "missing type is unknown",
			status: http.StatusInternalServerError,
			body:   `{"message":"boom"}`,
			want: chaterr.StructuredError{
				Kind:    chaterr.KindUnknown,
				Message: "boom",
				Status:  http.StatusInternalServerError,
			},
		},
		{
			name:   "unrecognized type is unknown",
			status: http.StatusBadRequest,
			body:   `{"type":"SOMETHING_NEW"}`,
			want: chaterr.StructuredError{
				Kind:    chaterr.KindUnknown,
				Message: "Something went wrong. Please try again.",
				Status:  http.StatusBadRequest,
			},
		},
		{
			name:   "not json",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			want: chaterr.StructuredError{
				Kind:    chaterr.KindUnknown,
				Message: "Something went wrong. Please try again.",
				Status:  http.StatusBadGateway,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chaterr.Classify(tt.status, []byte(tt.body))
			if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(chaterr.StructuredError{}, "Err")); diff != "" {
				t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassifyFrame(t *testing.T) {
	tests := []struct {
		name string
		data string
		want chaterr.Kind
	}{
		{"inline type", `{"kind":"error","type":"MODEL_NOT_ALLOWED"}`, chaterr.KindModelNotAllowed},
		{"nested payload", `{"kind":"error","error":{"type":"AUTHENTICATION_EXPIRED","message":"expired"}}`,
			chaterr.KindAuthenticationExpired},
		{"kind carries taxonomy name", `{"kind":"MonthlyTokenLimitExceeded"}`, chaterr.KindMonthlyTokenLimitExceeded},
		{"only frame tag", `{"kind":"error","error":"upstream overloaded"}`, chaterr.KindUnknown},
		{"garbage", `{{{`, chaterr.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chaterr.ClassifyFrame([]byte(tt.data))
			if got.Kind != tt.want {
				t.Errorf("ClassifyFrame() kind = %v, want %v", got.Kind, tt.want)
			}
			if got.Message == "" {
				t.Error("ClassifyFrame() returned an empty message")
			}
		})
	}
}

func TestClassifyFrameNestedMessage(t *testing.T) {
	got := chaterr.ClassifyFrame([]byte(`{"kind":"error","error":{"type":"AUTHENTICATION_EXPIRED","message":"expired"}}`))
	if got.Message != "expired" {
		t.Errorf("Message = %q, want %q", got.Message, "expired")
	}
}

func TestTransport(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	got := chaterr.Transport(cause)

	if got.Kind != chaterr.KindTransportFailure {
		t.Errorf("Kind = %v, want %v", got.Kind, chaterr.KindTransportFailure)
	}
	if !errors.Is(got, io.ErrUnexpectedEOF) {
		t.Error("Transport() error does not wrap its cause")
	}
}

func TestKindRemediation(t *testing.T) {
	tests := []struct {
		kind        chaterr.Kind
		blocking    bool
		dismissible bool
		reauth      bool
	}{
		{chaterr.KindAuthenticationExpired, false, false, true},
		{chaterr.KindDailyMessageLimitExceeded, true, false, false},
		{chaterr.KindMonthlyTokenLimitExceeded, true, false, false},
		{chaterr.KindModelNotAllowed, true, false, false},
		{chaterr.KindTransportFailure, false, true, false},
		{chaterr.KindUnknown, false, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Blocking(); got != tt.blocking {
				t.Errorf("Blocking() = %v, want %v", got, tt.blocking)
			}
			if got := tt.kind.Dismissible(); got != tt.dismissible {
				t.Errorf("Dismissible() = %v, want %v", got, tt.dismissible)
			}
			if got := tt.kind.RequiresReauth(); got != tt.reauth {
				t.Errorf("RequiresReauth() = %v, want %v", got, tt.reauth)
			}
		})
	}
}

func TestClassifierPublish(t *testing.T) {
	bus := notify.New[chaterr.StructuredError]()
	c := chaterr.NewClassifier(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var got []chaterr.Kind
	bus.Subscribe(func(e chaterr.StructuredError) { got = append(got, e.Kind) })

	c.Publish(chaterr.New(chaterr.KindModelNotAllowed))

	if diff := cmp.Diff([]chaterr.Kind{chaterr.KindModelNotAllowed}, got); diff != "" {
		t.Errorf("published kinds mismatch (-want +got):\n%s", diff)
	}
}
