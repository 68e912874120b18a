package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsrflow/internal/orchestrator"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/retry"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "dsrflow.db", c.DB)
	assert.Equal(t, orchestrator.DefaultGracePeriod, c.GracePeriod)
	assert.Equal(t, orchestrator.DefaultDependencyPollInterval, c.DependencyPollInterval)
	assert.True(t, c.SweepMissingReasonOnly)
	assert.Equal(t, 8, c.Workers)
	assert.Equal(t, retry.StatusWrite, c.Retry.StatusWrite)
	assert.Equal(t, retry.Activity, c.Retry.Activity)

	ops, err := c.Operations()
	require.NoError(t, err)
	assert.Nil(t, ops)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("DSRFLOW_GRACE_PERIOD", "48h")
	t.Setenv("DSRFLOW_INSTANT_DELETE_IDS", "F1,F2")
	t.Setenv("DSRFLOW_ENABLED_OPERATIONS", "delete")
	t.Setenv("DSRFLOW_RETRY_ACTIVITY_MAX_ATTEMPTS", "7")
	t.Setenv("DSRFLOW_SWEEP_MISSING_REASON_ONLY", "false")

	c, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, c.GracePeriod)
	assert.Equal(t, []string{"F1", "F2"}, c.InstantDeleteIDs)
	assert.Equal(t, 7, c.Retry.Activity.MaxAttempts)
	assert.False(t, c.SweepMissingReasonOnly)

	ops, err := c.Operations()
	require.NoError(t, err)
	assert.Equal(t, []record.Operation{record.OperationDelete}, ops)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: /var/lib/dsrflow/state.db
grace_period: 72h
service_id: accounts
log:
  format: json
retry:
  status_write:
    max_attempts: 9
`), 0o644))

	v := New()
	require.NoError(t, ReadFile(v, path))
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/dsrflow/state.db", c.DB)
	assert.Equal(t, 72*time.Hour, c.GracePeriod)
	assert.Equal(t, "accounts", c.ServiceID)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 9, c.Retry.StatusWrite.MaxAttempts)
	assert.Equal(t, retry.StatusWrite.FirstInterval, c.Retry.StatusWrite.FirstInterval)
}

func TestReadFile_MissingDefaultIsIgnored(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	assert.NoError(t, ReadFile(New(), ""))
}

func TestReadFile_ExplicitMissingFails(t *testing.T) {
	err := ReadFile(New(), filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestBindFlags_OverrideEnvironment(t *testing.T) {
	t.Setenv("DSRFLOW_DB", "from-env.db")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db", "", "")
	fs.Duration("grace", 0, "")
	require.NoError(t, fs.Parse([]string{"--db", "from-flag.db"}))

	v := New()
	require.NoError(t, BindFlags(v, fs, map[string]string{
		"db":      "db",
		"grace":   "grace_period",
		"missing": "workers",
	}))
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "from-flag.db", c.DB)
	// An unchanged flag does not shadow the default.
	assert.Equal(t, orchestrator.DefaultGracePeriod, c.GracePeriod)
}

func TestValidate(t *testing.T) {
	valid, err := Load(New())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no db", func(c *Config) { c.DB = "" }, "db is required"},
		{"negative grace", func(c *Config) { c.GracePeriod = -time.Second }, "grace_period"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad schedule", func(c *Config) { c.SweepSchedule = "every tuesday" }, "sweep_schedule"},
		{"bad operation", func(c *Config) { c.EnabledOperations = []string{"EXPORT"} }, "enabled_operations"},
		{"bad retry", func(c *Config) { c.Retry.Activity.MaxAttempts = 0 }, "retry.activity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWrite_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yml")
	v := New()
	require.NoError(t, Write(v, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "grace_period")

	err = Write(v, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestOrchestrator(t *testing.T) {
	c, err := Load(New())
	require.NoError(t, err)
	c.InstantDeleteIDs = []string{"F1"}

	conf := c.Orchestrator()
	assert.Equal(t, c.GracePeriod, conf.GracePeriod)
	assert.Equal(t, []string{"F1"}, conf.InstantDelete)
	assert.Equal(t, c.Retry.Activity, conf.Activity)
	assert.Equal(t, "dsrflow", conf.ServiceID)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("shown", "key", "v")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"key":"v"`)
}
