package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/MegaGrindStone/chat-core/internal/resettime"
)

// BearerSource supplies the bearer token for tier requests.
type BearerSource interface {
	BearerToken() (string, bool)
}

// UsageService is a TierService polling the usage endpoint. Readers always get the last fetched
// snapshot; a refresh replaces it as a whole.
type UsageService struct {
	endpoint  string
	auth      BearerSource
	catalogue []models.UserTier
	client    *http.Client
	now       func() time.Time

	logger *slog.Logger

	mu      sync.RWMutex
	tier    models.UserTier
	monthly models.UsageSnapshot
	daily   models.UsageSnapshot
}

type usageResponse struct {
	Tier             string        `json:"tier"`
	BillingAnchorDay int           `json:"billingAnchorDay"`
	MonthlyTokens    usageQuantity `json:"monthlyTokens"`
	DailyMessages    usageQuantity `json:"dailyMessages"`
}

type usageQuantity struct {
	Current    int      `json:"current"`
	Limit      *int     `json:"limit"`
	Percentage *float64 `json:"percentage"`
	ResetTime  string   `json:"resetTime"`
}

// NewUsageService creates a UsageService reading endpoint. Until the first refresh it reports the
// lowest catalogue tier with no usage.
func NewUsageService(
	endpoint string,
	auth BearerSource,
	catalogue []models.UserTier,
	client *http.Client,
	logger *slog.Logger,
) *UsageService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	s := &UsageService{
		endpoint:  endpoint,
		auth:      auth,
		catalogue: catalogue,
		client:    client,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "usage")),
	}
	if len(catalogue) > 0 {
		s.tier = catalogue[0]
	}
	now := s.now()
	s.monthly = models.UsageSnapshot{Limit: s.tier.MonthlyTokenQuota, ResetAt: resettime.NextMonthlyReset(now, 1)}
	s.daily = models.UsageSnapshot{Limit: s.tier.DailyMessageQuota, ResetAt: resettime.NextDailyReset(now)}
	return s
}

// UsageSnapshot returns the monthly token usage.
func (s *UsageService) UsageSnapshot() models.UsageSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monthly
}

// DailyMessageSnapshot returns today's message usage.
func (s *UsageService) DailyMessageSnapshot() models.UsageSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.daily
}

// CurrentTier returns the user's tier.
func (s *UsageService) CurrentTier() models.UserTier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tier
}

// Refresh fetches the usage endpoint once. A non-2xx answer is returned as a chaterr.StructuredError.
func (s *UsageService) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token, ok := s.auth.BearerToken(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return chaterr.Classify(resp.StatusCode, body)
	}

	var ur usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}

	tier := s.resolveTier(ur.Tier)
	now := s.now()
	monthly := ur.MonthlyTokens.snapshot(tier.MonthlyTokenQuota, resettime.NextMonthlyReset(now, ur.BillingAnchorDay))
	daily := ur.DailyMessages.snapshot(tier.DailyMessageQuota, resettime.NextDailyReset(now))

	s.mu.Lock()
	s.tier = tier
	s.monthly = monthly
	s.daily = daily
	s.mu.Unlock()

	s.logger.Debug("Usage refreshed",
		slog.String("tier", tier.Name),
		slog.Float64("monthlyPercentage", monthly.Percentage),
		slog.Int("dailyMessages", daily.Current))
	return nil
}

// Run refreshes immediately and then every interval until ctx is done. Failed refreshes keep the last
// snapshot.
func (s *UsageService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Failed to refresh usage", slog.String("err", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// resolveTier looks name up in the catalogue. Unknown names keep the name with the quotas of the
// lowest tier.
func (s *UsageService) resolveTier(name string) models.UserTier {
	for _, t := range s.catalogue {
		if strings.EqualFold(t.Name, name) {
			return t
		}
	}

	var tier models.UserTier
	if len(s.catalogue) > 0 {
		tier = s.catalogue[0]
	}
	if name != "" {
		s.logger.Warn("Unknown tier, using lowest catalogue quotas", slog.String("tier", name))
		tier.Name = name
	}
	return tier
}

func (q usageQuantity) snapshot(defaultLimit int, defaultReset time.Time) models.UsageSnapshot {
	s := models.UsageSnapshot{
		Current: q.Current,
		Limit:   defaultLimit,
		ResetAt: defaultReset,
	}
	if q.Limit != nil {
		s.Limit = *q.Limit
	}
	if q.Percentage != nil {
		s.Percentage = *q.Percentage
	} else {
		s.Percentage = models.UsagePercentage(s.Current, s.Limit)
	}
	if q.ResetTime != "" {
		if t, err := time.Parse(time.RFC3339, q.ResetTime); err == nil {
			s.ResetAt = t
		}
	}
	return s
}
