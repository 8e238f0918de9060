package entitlements

import (
	"strings"
	"time"
)

type Plan string

const (
	PlanFree  Plan = "free"
	PlanTrial Plan = "trial"

	// Store SKUs for the premium tiers.
	SKUMonthly   Plan = "com.mealnow.premium.monthly"
	SKUQuarterly Plan = "com.mealnow.premium.quarterly"
	SKUYearly    Plan = "com.mealnow.premium.yearly"

	// Legacy plan ids kept for subscriptions written before the catalog
	// moved to full store SKUs.
	LegacyMonthly   Plan = "monthly"
	LegacyQuarterly Plan = "quarterly"
	LegacyYearly    Plan = "yearly"
)

var premiumPlans = map[Plan]struct{}{
	SKUMonthly:      {},
	SKUQuarterly:    {},
	SKUYearly:       {},
	LegacyMonthly:   {},
	LegacyQuarterly: {},
	LegacyYearly:    {},
}

// PremiumPlans returns the closed catalog of paid SKUs, legacy ids
// included.
func PremiumPlans() []string {
	plans := make([]string, 0, len(premiumPlans))
	for p := range premiumPlans {
		plans = append(plans, string(p))
	}
	return plans
}

// IsPremium reports whether plan is a recognized paid SKU. The catalog is
// closed; anything unrecognized grants nothing.
func IsPremium(plan string) bool {
	_, ok := premiumPlans[Plan(strings.ToLower(strings.TrimSpace(plan)))]
	return ok
}

// IsEntitlingStatus reports whether a subscription status grants access.
func IsEntitlingStatus(status string) bool {
	return strings.ToLower(strings.TrimSpace(status)) == "active"
}

// ComputeEffectivePlan applies the lazy trial transition rules to a stored
// subscription row and reports whether the stored plan must be rewritten.
// A trial whose expiry has passed or whose remaining count is exhausted is
// free from the caller's point of view even before the row is updated, so
// reads and writes never disagree about the current plan.
func ComputeEffectivePlan(plan string, endAt *time.Time, remainingTrials int, now time.Time) (Plan, bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(plan)))
	if p != PlanTrial {
		return p, false
	}
	if endAt != nil && !endAt.After(now) {
		return PlanFree, true
	}
	if remainingTrials <= 0 {
		return PlanFree, true
	}
	return PlanTrial, false
}

// HasActiveAccess is the single read-path entitlement rule: a premium plan
// with an entitling status that has not expired, or a live trial with
// remaining uses.
func HasActiveAccess(plan, status string, endAt *time.Time, remainingTrials int, now time.Time) bool {
	effective, _ := ComputeEffectivePlan(plan, endAt, remainingTrials, now)
	switch {
	case IsPremium(string(effective)):
		if !IsEntitlingStatus(status) {
			return false
		}
		return endAt == nil || endAt.After(now)
	case effective == PlanTrial:
		return IsEntitlingStatus(status)
	default:
		return false
	}
}
