package billing

import (
	"log"
	"strconv"
	"time"

	"github.com/dreamtracer/mealnow-billing/internal/pkg/env"
)

// Config carries the quota tuning knobs. It is built once at startup and
// injected into the service; business logic never reads the process
// environment directly.
type Config struct {
	// TrialCount is the number of free actions seeded into a fresh trial.
	TrialCount int
	// TrialDays is the trial expiry window counted from creation.
	TrialDays int
	// DailyLimit caps quota-bearing actions per local day for paid plans.
	DailyLimit int
	// ComboWindow is the grace period in which a generation following a
	// recognition by the same user counts as the same billable unit.
	ComboWindow time.Duration
	// Location defines "local midnight" for daily windowed counting.
	Location *time.Location
}

// DefaultConfig returns the built-in quota defaults.
func DefaultConfig() Config {
	return Config{
		TrialCount:  3,
		TrialDays:   7,
		DailyLimit:  20,
		ComboWindow: 5 * time.Minute,
		Location:    time.Local,
	}
}

// ConfigFromEnv builds a Config from BILLING_* environment variables,
// falling back to DefaultConfig values for anything unset or invalid.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.TrialCount = envInt("BILLING_TRIAL_COUNT", cfg.TrialCount)
	cfg.TrialDays = envInt("BILLING_TRIAL_DAYS", cfg.TrialDays)
	cfg.DailyLimit = envInt("BILLING_DAILY_LIMIT", cfg.DailyLimit)

	if raw := env.GetEnv("BILLING_COMBO_WINDOW", ""); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.ComboWindow = d
		} else {
			log.Printf("billing config: invalid BILLING_COMBO_WINDOW %q, using %s", raw, cfg.ComboWindow)
		}
	}
	if name := env.GetEnv("BILLING_TIMEZONE", ""); name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			cfg.Location = loc
		} else {
			log.Printf("billing config: unknown BILLING_TIMEZONE %q, using local zone", name)
		}
	}
	return cfg
}

func envInt(key string, def int) int {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		log.Printf("billing config: invalid %s %q, using %d", key, raw, def)
		return def
	}
	return v
}
