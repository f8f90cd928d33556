// Package usagegate performs client-side admission control before a message is sent: it checks the
// target model against the tier and the current usage snapshots against their quotas.
package usagegate

import (
	"strings"

	"github.com/MegaGrindStone/chat-core/internal/chaterr"
	"github.com/MegaGrindStone/chat-core/internal/models"
)

const (
	// BlockPercentage is the monthly token usage at which sends are refused.
	BlockPercentage = 95
	// WarnPercentage is the monthly token usage at which sends need confirmation.
	WarnPercentage = 90

	// DefaultRemediationTier is suggested when no catalogue tier allows a model.
	DefaultRemediationTier = "pro"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed              bool `json:"allowed"`
	RequiresConfirmation bool `json:"requiresConfirmation"`

	// Reason is set when the send is blocked.
	Reason chaterr.Kind `json:"reason,omitempty"`
	// RemediationTier names the tier that would lift the block, if any.
	RemediationTier string `json:"remediationTier,omitempty"`

	Monthly models.UsageSnapshot `json:"monthly"`
	Daily   models.UsageSnapshot `json:"daily"`
	Tier    string               `json:"tier"`
	ModelID string               `json:"modelId"`
}

// Blocked reports whether the send was refused outright.
func (d Decision) Blocked() bool {
	return !d.Allowed && !d.RequiresConfirmation
}

// Error converts a blocked decision into the StructuredError a UI would show for it. It returns false
// for decisions that are not blocked.
func (d Decision) Error(allowedModels []string) (chaterr.StructuredError, bool) {
	if !d.Blocked() {
		return chaterr.StructuredError{}, false
	}

	e := chaterr.New(d.Reason)
	e.CurrentTier = d.Tier
	e.AllowedModels = allowedModels
	e.RemediationTier = d.RemediationTier

	switch d.Reason {
	case chaterr.KindDailyMessageLimitExceeded:
		u := d.Daily
		e.Usage = &u
	case chaterr.KindMonthlyTokenLimitExceeded:
		u := d.Monthly
		e.Usage = &u
	}
	return e, true
}

// Gate evaluates admission rules against a catalogue of tiers ordered from lowest to highest.
type Gate struct {
	catalogue []models.UserTier
}

// New returns a Gate using catalogue, which must be ordered from the lowest tier to the highest.
func New(catalogue []models.UserTier) Gate {
	return Gate{catalogue: catalogue}
}

// CanSend decides whether a draft may be sent to modelID. The rules are evaluated in order and the first
// one that applies wins:
//
//  1. a model outside the tier's allowed set is blocked;
//  2. a finite daily message quota with nothing remaining is blocked;
//  3. monthly token usage at or above BlockPercentage is blocked;
//  4. one remaining daily message, or monthly usage at or above WarnPercentage, needs confirmation
//     unless the user was already warned during this composition;
//  5. everything else is allowed.
func (g Gate) CanSend(
	_, modelID string,
	tier models.UserTier,
	monthly, daily models.UsageSnapshot,
	alreadyWarned bool,
) Decision {
	d := Decision{
		Monthly: monthly,
		Daily:   daily,
		Tier:    tier.Name,
		ModelID: modelID,
	}

	if !tier.AllowsModel(modelID) {
		d.Reason = chaterr.KindModelNotAllowed
		d.RemediationTier = g.TierFor(modelID)
		return d
	}

	remaining := daily.Remaining()
	if !tier.UnlimitedMessages() {
		if remaining <= 0 {
			d.Reason = chaterr.KindDailyMessageLimitExceeded
			d.RemediationTier = g.UpgradeFrom(tier.Name)
			return d
		}
	}

	if monthly.Percentage >= BlockPercentage {
		d.Reason = chaterr.KindMonthlyTokenLimitExceeded
		d.RemediationTier = g.UpgradeFrom(tier.Name)
		return d
	}

	nearDaily := !tier.UnlimitedMessages() && remaining == 1
	if (nearDaily || monthly.Percentage >= WarnPercentage) && !alreadyWarned {
		d.RequiresConfirmation = true
		return d
	}

	d.Allowed = true
	return d
}

// TierFor returns the lowest catalogue tier allowing modelID, or DefaultRemediationTier.
func (g Gate) TierFor(modelID string) string {
	for _, t := range g.catalogue {
		if t.AllowsModel(modelID) {
			return t.Name
		}
	}
	return DefaultRemediationTier
}

// UpgradeFrom returns the catalogue tier directly above the named one. An unknown tier yields
// DefaultRemediationTier and the highest tier yields an empty string.
func (g Gate) UpgradeFrom(tierName string) string {
	for i, t := range g.catalogue {
		if !strings.EqualFold(t.Name, tierName) {
			continue
		}
		if i+1 < len(g.catalogue) {
			return g.catalogue[i+1].Name
		}
		return ""
	}
	return DefaultRemediationTier
}

// Compose tracks the warn-once state of a single message composition. The zero value is a fresh
// composition.
type Compose struct {
	warned bool
}

// Warned reports whether the user has already been asked to confirm during this composition.
func (c *Compose) Warned() bool {
	return c.warned
}

// MarkWarned records that the user was asked to confirm.
func (c *Compose) MarkWarned() {
	c.warned = true
}

// UpdateDraft observes a change of the draft text; clearing the draft starts a new composition.
func (c *Compose) UpdateDraft(draft string) {
	if strings.TrimSpace(draft) == "" {
		c.warned = false
	}
}

// Reset starts a new composition.
func (c *Compose) Reset() {
	c.warned = false
}
