package models

import (
	"slices"
	"time"
)

// Unlimited is the quota sentinel for tiers without a daily message cap.
const Unlimited = -1

// UserTier is a named entitlement level bounding token and message quotas and the models a user may
// target.
type UserTier struct {
	Name              string   `json:"name" yaml:"name"`
	MonthlyTokenQuota int      `json:"monthlyTokenQuota" yaml:"monthlyTokenQuota"`
	DailyMessageQuota int      `json:"dailyMessageQuota" yaml:"dailyMessageQuota"`
	AllowedModels     []string `json:"allowedModels" yaml:"allowedModels"`
}

// AllowsModel reports whether modelID is part of the tier's allowed set.
func (t UserTier) AllowsModel(modelID string) bool {
	return slices.Contains(t.AllowedModels, modelID)
}

// UnlimitedMessages reports whether the tier has no daily message cap.
func (t UserTier) UnlimitedMessages() bool {
	return t.DailyMessageQuota < 0
}

// UsageSnapshot is a point-in-time read of consumption versus quota. It is produced outside of this
// module and only ever read here.
type UsageSnapshot struct {
	Current    int       `json:"current"`
	Limit      int       `json:"limit"`
	Percentage float64   `json:"percentage"`
	ResetAt    time.Time `json:"resetAt"`
}

// Remaining returns Limit minus Current, never below zero.
func (u UsageSnapshot) Remaining() int {
	return max(u.Limit-u.Current, 0)
}

// UsagePercentage computes current as a percentage of limit. A non-positive limit yields zero.
func UsagePercentage(current, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	if current >= limit {
		return 100
	}
	return float64(current) * 100 / float64(limit)
}
