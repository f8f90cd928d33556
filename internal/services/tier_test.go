package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCatalogue = []models.UserTier{
	{Name: "free", MonthlyTokenQuota: 100_000, DailyMessageQuota: 25, AllowedModels: []string{"small"}},
	{Name: "pro", MonthlyTokenQuota: 10_000_000, DailyMessageQuota: models.Unlimited, AllowedModels: []string{"small", "large"}},
}

func newTestUsageService(t *testing.T, handler http.HandlerFunc) *UsageService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s := NewUsageService(srv.URL, NewStaticAuth("secret"), testCatalogue, srv.Client(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2025, time.June, 20, 10, 0, 0, 0, time.Local) }
	return s
}

func TestUsageServiceDefaults(t *testing.T) {
	s := newTestUsageService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	assert.Equal(t, "free", s.CurrentTier().Name)
	assert.Equal(t, 25, s.DailyMessageSnapshot().Limit)
	assert.Zero(t, s.UsageSnapshot().Current)
}

func TestUsageServiceRefresh(t *testing.T) {
	s := newTestUsageService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"tier": "free",
			"billingAnchorDay": 15,
			"monthlyTokens": {"current": 90000},
			"dailyMessages": {"current": 24, "resetTime": "2025-06-21T00:00:00Z"}
		}`)
	})

	require.NoError(t, s.Refresh(context.Background()))

	assert.Equal(t, "free", s.CurrentTier().Name)

	monthly := s.UsageSnapshot()
	assert.Equal(t, 100_000, monthly.Limit)
	assert.InDelta(t, 90.0, monthly.Percentage, 0.001)
	assert.True(t, monthly.ResetAt.Equal(time.Date(2025, time.July, 15, 0, 0, 0, 0, time.Local)), "monthly reset %v", monthly.ResetAt)

	daily := s.DailyMessageSnapshot()
	assert.Equal(t, 1, daily.Remaining())
	assert.True(t, daily.ResetAt.Equal(time.Date(2025, time.June, 21, 0, 0, 0, 0, time.UTC)))
}

func TestUsageServiceUnknownTier(t *testing.T) {
	s := newTestUsageService(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"tier": "legacy", "monthlyTokens": {"current": 10, "limit": 20, "percentage": 50}}`)
	})

	require.NoError(t, s.Refresh(context.Background()))

	tier := s.CurrentTier()
	assert.Equal(t, "legacy", tier.Name)
	assert.Equal(t, []string{"small"}, tier.AllowedModels)
	assert.Equal(t, 20, s.UsageSnapshot().Limit)
	assert.InDelta(t, 50.0, s.UsageSnapshot().Percentage, 0.001)
}

func TestUsageServiceRefreshError(t *testing.T) {
	s := newTestUsageService(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := s.Refresh(context.Background())
	var se chaterr.StructuredError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, chaterr.KindAuthenticationExpired, se.Kind)
	assert.Equal(t, "free", s.CurrentTier().Name, "failed refresh keeps the previous snapshot")
}

func TestUsageServiceRun(t *testing.T) {
	var hits atomic.Int32
	s := newTestUsageService(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"tier": "pro"}`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, "pro", s.CurrentTier().Name)
	assert.True(t, s.CurrentTier().UnlimitedMessages())
}
