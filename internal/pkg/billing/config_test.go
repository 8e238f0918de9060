package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.TrialCount)
	assert.Equal(t, 7, cfg.TrialDays)
	assert.Equal(t, 20, cfg.DailyLimit)
	assert.Equal(t, 5*time.Minute, cfg.ComboWindow)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("BILLING_TRIAL_COUNT", "5")
	t.Setenv("BILLING_DAILY_LIMIT", "50")
	t.Setenv("BILLING_COMBO_WINDOW", "10m")
	t.Setenv("BILLING_TIMEZONE", "Europe/Berlin")

	cfg := ConfigFromEnv()
	assert.Equal(t, 5, cfg.TrialCount)
	assert.Equal(t, 7, cfg.TrialDays)
	assert.Equal(t, 50, cfg.DailyLimit)
	assert.Equal(t, 10*time.Minute, cfg.ComboWindow)
	assert.Equal(t, "Europe/Berlin", cfg.Location.String())
}

func TestConfigFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("BILLING_TRIAL_COUNT", "not-a-number")
	t.Setenv("BILLING_DAILY_LIMIT", "-2")
	t.Setenv("BILLING_COMBO_WINDOW", "soon")
	t.Setenv("BILLING_TIMEZONE", "Nowhere/Invalid")

	cfg := ConfigFromEnv()
	assert.Equal(t, DefaultConfig().TrialCount, cfg.TrialCount)
	assert.Equal(t, DefaultConfig().DailyLimit, cfg.DailyLimit)
	assert.Equal(t, DefaultConfig().ComboWindow, cfg.ComboWindow)
}
