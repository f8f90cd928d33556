//go:build integration

package services_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/notify"
	"github.com/MegaGrindStone/chat-core/internal/services"
	"github.com/nats-io/nats.go"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_NATSRelay(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sub, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("failed to connect subscriber: %v", err)
	}
	defer sub.Close()

	received := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("chat.test.errors", received); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	bus := notify.New[chaterr.StructuredError]()
	relay, err := services.NewNATSRelay(natsURL, "chat.test.errors", bus, logger)
	if err != nil {
		t.Fatalf("failed to start relay: %v", err)
	}
	defer relay.Close()

	bus.Publish(chaterr.Classify(429, []byte(`{"type":"DAILY_MESSAGE_LIMIT_EXCEEDED","usage":{"current":25,"limit":25}}`)))

	select {
	case msg := <-received:
		var got services.RelayedError
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("failed to unmarshal relayed error: %v", err)
		}
		if got.Kind != chaterr.KindDailyMessageLimitExceeded {
			t.Errorf("expected kind %s, got %s", chaterr.KindDailyMessageLimitExceeded, got.Kind)
		}
		if !got.Blocking || got.Dismissible {
			t.Errorf("expected a blocking, non-dismissible error, got %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relayed error")
	}
}
