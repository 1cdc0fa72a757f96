package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proctor.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultProctorIsValid(t *testing.T) {
	require.NoError(t, DefaultProctor().Validate())
}

func TestLoadProctorFile_OverlaysDefaults(t *testing.T) {
	path := writePolicy(t, `
autosave_period = "15s"
strike_threshold = 5
time_strategy = "elapsed"
`)

	p, err := LoadProctorFile(path, DefaultProctor())
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, p.AutosavePeriod.Duration)
	assert.Equal(t, 5, p.StrikeThreshold)
	assert.Equal(t, "elapsed", p.TimeStrategy)
	assert.Equal(t, time.Second, p.TickInterval.Duration)
	assert.Equal(t, 45*time.Second, p.LeaseTTL.Duration)
}

func TestLoadProctorFile_RejectsUnknownKeys(t *testing.T) {
	path := writePolicy(t, `strike_limit = 2`)

	_, err := LoadProctorFile(path, DefaultProctor())
	assert.ErrorContains(t, err, "unknown keys")
}

func TestLoadProctorFile_RejectsBadDuration(t *testing.T) {
	path := writePolicy(t, `flush_timeout = "soon"`)

	_, err := LoadProctorFile(path, DefaultProctor())
	assert.Error(t, err)
}

func TestProctorValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Proctor)
		want   string
	}{
		{name: "zero autosave", mutate: func(p *Proctor) { p.AutosavePeriod.Duration = 0 }, want: "autosave_period"},
		{name: "slow tick", mutate: func(p *Proctor) { p.TickInterval.Duration = 2 * time.Minute }, want: "tick_interval"},
		{name: "no strikes", mutate: func(p *Proctor) { p.StrikeThreshold = 0 }, want: "strike_threshold"},
		{name: "unknown strategy", mutate: func(p *Proctor) { p.TimeStrategy = "guess" }, want: "time_strategy"},
		{name: "fixed without increment", mutate: func(p *Proctor) { p.SecondsPerInteraction = 0 }, want: "seconds_per_interaction"},
		{name: "short lease", mutate: func(p *Proctor) { p.LeaseTTL.Duration = time.Second }, want: "lease_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProctor()
			tt.mutate(&p)
			assert.ErrorContains(t, p.Validate(), tt.want)
		})
	}

	p := DefaultProctor()
	p.TimeStrategy = "elapsed"
	p.SecondsPerInteraction = 0
	assert.NoError(t, p.Validate())
}

func TestLoad_EnvOverridesPolicyFile(t *testing.T) {
	path := writePolicy(t, `strike_threshold = 4`)
	t.Setenv("PROCTOR_POLICY_FILE", path)
	t.Setenv("PROCTOR_AUTOSAVE_PERIOD", "20s")
	t.Setenv("EXAM_CACHE_TTL_MINUTES", "3")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Proctor.StrikeThreshold)
	assert.Equal(t, 20*time.Second, cfg.Proctor.AutosavePeriod.Duration)
	assert.Equal(t, 3*time.Minute, cfg.ExamCacheTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_InvalidPolicyFails(t *testing.T) {
	t.Setenv("PROCTOR_STRIKE_THRESHOLD", "-1")

	_, err := Load()
	assert.ErrorContains(t, err, "proctor policy")
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "student:7:exam:e1:answers", CacheKey.AttemptAnswersKey("e1", 7))
	assert.Equal(t, "student:7:exam:e1:lease", CacheKey.AttemptLeaseKey("e1", 7))
	assert.Equal(t, "exam:e1:monitor", CacheKey.ExamMonitorChannel("e1"))
}
