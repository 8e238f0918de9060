package entitlements

import (
	"testing"
	"time"
)

func TestIsPremium(t *testing.T) {
	for _, plan := range []string{
		"com.mealnow.premium.monthly",
		"com.mealnow.premium.quarterly",
		"com.mealnow.premium.yearly",
		"monthly", "quarterly", "yearly",
		"COM.MEALNOW.PREMIUM.YEARLY",
	} {
		if !IsPremium(plan) {
			t.Fatalf("expected %q to be premium", plan)
		}
	}
	for _, plan := range []string{"free", "trial", "", "com.mealnow.premium.lifetime"} {
		if IsPremium(plan) {
			t.Fatalf("expected %q to not be premium", plan)
		}
	}
}

func TestComputeEffectivePlan(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name        string
		plan        string
		endAt       *time.Time
		remaining   int
		want        Plan
		wantPersist bool
	}{
		{name: "live trial", plan: "trial", endAt: &future, remaining: 2, want: PlanTrial},
		{name: "trial no expiry", plan: "trial", remaining: 1, want: PlanTrial},
		{name: "trial expired by time", plan: "trial", endAt: &past, remaining: 2, want: PlanFree, wantPersist: true},
		{name: "trial exhausted", plan: "trial", endAt: &future, remaining: 0, want: PlanFree, wantPersist: true},
		{name: "trial expired and exhausted", plan: "trial", endAt: &past, remaining: 0, want: PlanFree, wantPersist: true},
		{name: "premium untouched even when expired", plan: "com.mealnow.premium.monthly", endAt: &past, want: Plan("com.mealnow.premium.monthly")},
		{name: "free untouched", plan: "free", want: PlanFree},
	}

	for _, tt := range tests {
		got, persist := ComputeEffectivePlan(tt.plan, tt.endAt, tt.remaining, now)
		if got != tt.want || persist != tt.wantPersist {
			t.Fatalf("%s: ComputeEffectivePlan = (%q, %v), want (%q, %v)", tt.name, got, persist, tt.want, tt.wantPersist)
		}
	}
}

func TestHasActiveAccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name      string
		plan      string
		status    string
		endAt     *time.Time
		remaining int
		want      bool
	}{
		{name: "active premium", plan: "com.mealnow.premium.yearly", status: "active", endAt: &future, want: true},
		{name: "premium without fixed expiry", plan: "monthly", status: "active", want: true},
		{name: "expired premium", plan: "com.mealnow.premium.yearly", status: "active", endAt: &past, want: false},
		{name: "revoked premium", plan: "com.mealnow.premium.yearly", status: "revoked", endAt: &future, want: false},
		{name: "past_due premium", plan: "com.mealnow.premium.monthly", status: "past_due", endAt: &future, want: false},
		{name: "live trial", plan: "trial", status: "active", endAt: &future, remaining: 3, want: true},
		{name: "exhausted trial", plan: "trial", status: "active", endAt: &future, remaining: 0, want: false},
		{name: "time-expired trial", plan: "trial", status: "active", endAt: &past, remaining: 3, want: false},
		{name: "free", plan: "free", status: "active", want: false},
	}

	for _, tt := range tests {
		if got := HasActiveAccess(tt.plan, tt.status, tt.endAt, tt.remaining, now); got != tt.want {
			t.Fatalf("%s: HasActiveAccess = %v, want %v", tt.name, got, tt.want)
		}
	}
}
