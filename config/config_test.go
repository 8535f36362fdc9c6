package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: No config file in the test directory and no LOANS_ variables
	t.Chdir(t.TempDir())

	// WHEN: Loading
	cfg, err := Load()

	// THEN: Built-in defaults apply
	require.NoError(t, err)
	assert.Equal(t, "loan-engine", cfg.App.Name)
	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, "loans.db", cfg.Database.Path)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, "log", cfg.Outbox.Backend)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 3, cfg.Loans.DedicatedThreshold)
	assert.Equal(t, 365*24*time.Hour, cfg.Loans.FrequencyWindow)
	assert.Equal(t, 7, cfg.Loans.DefaultTrialDays)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOANS_APP_PORT", "9090")
	t.Setenv("LOANS_APP_ENV", "production")
	t.Setenv("LOANS_LOCK_BACKEND", "redis")
	t.Setenv("LOANS_OUTBOX_BACKEND", "kafka")
	t.Setenv("LOANS_OUTBOX_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LOANS_LOANS_DEFAULT_TRIAL_DAYS", "14")
	t.Setenv("LOANS_SCHEDULER_ENABLED", "false")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.App.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Outbox.KafkaBrokers)
	assert.Equal(t, 14, cfg.Loans.DefaultTrialDays)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown lock backend", map[string]string{"LOANS_LOCK_BACKEND": "zookeeper"}, "lock.backend"},
		{"unknown outbox backend", map[string]string{"LOANS_OUTBOX_BACKEND": "collaborators"}, "outbox.backend"},
		{"kafka without brokers", map[string]string{"LOANS_OUTBOX_BACKEND": "kafka"}, "kafka_brokers"},
		{"memory db in production", map[string]string{"LOANS_APP_ENV": "production", "LOANS_DATABASE_PATH": ":memory:"}, ":memory:"},
		{"negative threshold", map[string]string{"LOANS_LOANS_DEDICATED_THRESHOLD": "-1"}, "dedicated_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
