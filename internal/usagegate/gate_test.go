package usagegate_test

import (
	"testing"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/MegaGrindStone/chat-core/internal/usagegate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	freeTier = models.UserTier{
		Name:              "free",
		MonthlyTokenQuota: 100_000,
		DailyMessageQuota: 25,
		AllowedModels:     []string{"small"},
	}
	plusTier = models.UserTier{
		Name:              "plus",
		MonthlyTokenQuota: 1_000_000,
		DailyMessageQuota: 200,
		AllowedModels:     []string{"small", "medium"},
	}
	proTier = models.UserTier{
		Name:              "pro",
		MonthlyTokenQuota: 10_000_000,
		DailyMessageQuota: models.Unlimited,
		AllowedModels:     []string{"small", "medium", "large"},
	}

	catalogue = []models.UserTier{freeTier, plusTier, proTier}
)

func daily(sent, limit int) models.UsageSnapshot {
	return models.UsageSnapshot{Current: sent, Limit: limit, Percentage: models.UsagePercentage(sent, limit)}
}

func monthly(pct float64) models.UsageSnapshot {
	return models.UsageSnapshot{Percentage: pct}
}

func TestCanSend(t *testing.T) {
	gate := usagegate.New(catalogue)

	tests := []struct {
		name          string
		model         string
		tier          models.UserTier
		monthly       models.UsageSnapshot
		daily         models.UsageSnapshot
		alreadyWarned bool

		wantAllowed      bool
		wantConfirmation bool
		wantReason       chaterr.Kind
		wantRemediation  string
	}{
		{
			name: "free tier daily quota used up", model: "small", tier: freeTier,
			monthly: monthly(10), daily: daily(25, 25),
			wantReason: chaterr.KindDailyMessageLimitExceeded, wantRemediation: "plus",
		},
		{
			name: "model requires higher tier", model: "medium", tier: freeTier,
			monthly: monthly(0), daily: daily(0, 25),
			wantReason: chaterr.KindModelNotAllowed, wantRemediation: "plus",
		},
		{
			name: "model unknown to catalogue", model: "experimental", tier: freeTier,
			monthly: monthly(0), daily: daily(0, 25),
			wantReason: chaterr.KindModelNotAllowed, wantRemediation: "pro",
		},
		{
			name: "model check precedes quota checks", model: "large", tier: plusTier,
			monthly: monthly(99), daily: daily(200, 200),
			wantReason: chaterr.KindModelNotAllowed, wantRemediation: "pro",
		},
		{
			name: "monthly tokens at block threshold", model: "small", tier: plusTier,
			monthly: monthly(95), daily: daily(3, 200),
			wantReason: chaterr.KindMonthlyTokenLimitExceeded, wantRemediation: "pro",
		},
		{
			name: "monthly block on highest tier has no upgrade", model: "large", tier: proTier,
			monthly: monthly(97), daily: daily(0, 0),
			wantReason: chaterr.KindMonthlyTokenLimitExceeded, wantRemediation: "",
		},
		{
			name: "last daily message needs confirmation", model: "small", tier: freeTier,
			monthly: monthly(10), daily: daily(24, 25),
			wantConfirmation: true,
		},
		{
			name: "monthly warn threshold needs confirmation", model: "small", tier: freeTier,
			monthly: monthly(90), daily: daily(2, 25),
			wantConfirmation: true,
		},
		{
			name: "already warned is allowed", model: "small", tier: freeTier,
			monthly: monthly(92), daily: daily(24, 25), alreadyWarned: true,
			wantAllowed: true,
		},
		{
			name: "already warned does not lift a block", model: "small", tier: freeTier,
			monthly: monthly(96), daily: daily(1, 25), alreadyWarned: true,
			wantReason: chaterr.KindMonthlyTokenLimitExceeded, wantRemediation: "plus",
		},
		{
			name: "unlimited daily ignores message counts", model: "large", tier: proTier,
			monthly: monthly(5), daily: daily(5000, 0),
			wantAllowed: true,
		},
		{
			name: "plenty left", model: "medium", tier: plusTier,
			monthly: monthly(40), daily: daily(10, 200),
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gate.CanSend("hello", tt.model, tt.tier, tt.monthly, tt.daily, tt.alreadyWarned)

			assert.Equal(t, tt.wantAllowed, got.Allowed, "Allowed")
			assert.Equal(t, tt.wantConfirmation, got.RequiresConfirmation, "RequiresConfirmation")
			if tt.wantReason != "" {
				assert.True(t, got.Blocked())
				assert.Equal(t, tt.wantReason, got.Reason)
				assert.Equal(t, tt.wantRemediation, got.RemediationTier)
			}
		})
	}
}

func TestDecisionError(t *testing.T) {
	gate := usagegate.New(catalogue)

	d := gate.CanSend("hi", "small", freeTier, monthly(10), daily(25, 25), false)
	e, ok := d.Error(freeTier.AllowedModels)
	require.True(t, ok)

	assert.Equal(t, chaterr.KindDailyMessageLimitExceeded, e.Kind)
	assert.Equal(t, "free", e.CurrentTier)
	assert.Equal(t, "plus", e.RemediationTier)
	assert.Equal(t, []string{"small"}, e.AllowedModels)
	require.NotNil(t, e.Usage)
	assert.Equal(t, 100.0, e.Usage.Percentage)

	allowed := gate.CanSend("hi", "small", freeTier, monthly(10), daily(1, 25), false)
	_, ok = allowed.Error(nil)
	assert.False(t, ok)
}

func TestCompose(t *testing.T) {
	var c usagegate.Compose
	assert.False(t, c.Warned())

	c.MarkWarned()
	c.UpdateDraft("still typing")
	assert.True(t, c.Warned(), "editing the draft keeps the warning")

	c.UpdateDraft("   ")
	assert.False(t, c.Warned(), "clearing the draft starts a new composition")

	c.MarkWarned()
	c.Reset()
	assert.False(t, c.Warned())
}
