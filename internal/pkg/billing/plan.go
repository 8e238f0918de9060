package billing

import "github.com/dreamtracer/mealnow-billing/internal/pkg/entitlements"

const (
	planTrial = entitlements.PlanTrial
	planFree  = entitlements.PlanFree
)

func premiumPlanList() []string {
	return entitlements.PremiumPlans()
}
