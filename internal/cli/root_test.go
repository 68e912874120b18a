package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/config"
	"github.com/roach88/dsrflow/internal/testutil"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "dsrflow", cmd.Use)
	assert.Contains(t, cmd.Long, "DSRFLOW_*")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "submit", "abort", "status", "dispatch", "sweep", "terminate", "trace", "config"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "log-format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	assert.NotNil(t, serveCmd.Flags().Lookup("listen"))
	assert.NotNil(t, serveCmd.Flags().Lookup("workers"))
}

func TestTerminateRequiresReason(t *testing.T) {
	cli := newTestCLI(t)
	_, err := cli.run("terminate", "delete:F1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"reason" not set`)
}

func TestFormatValidationIntegration(t *testing.T) {
	cli := newTestCLI(t)
	_, err := cli.run("--format", "invalid", "status", "DELETE", "F1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfigIsCommandError(t *testing.T) {
	cli := newTestCLI(t)
	t.Setenv("DSRFLOW_WORKERS", "0")
	_, err := cli.run("status", "DELETE", "F1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid config")
}

// testCLI runs commands against a temporary database with fake
// collaborators and no config file.
type testCLI struct {
	t     *testing.T
	db    string
	fakes *testutil.Fakes
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	return &testCLI{
		t:     t,
		db:    filepath.Join(t.TempDir(), "dsrflow.db"),
		fakes: testutil.NewFakes(),
	}
}

func (c *testCLI) run(args ...string) (string, error) {
	c.t.Helper()
	opts := &RootOptions{
		Viper: config.New(),
		appOpts: []appOption{func(a *activity.Activities) {
			a.Profiles = c.fakes
			a.Locker = c.fakes
			a.Extractor = c.fakes
			a.Deleter = c.fakes
			a.Notifier = c.fakes
			a.Mailer = c.fakes
			a.Feed = c.fakes
		}},
	}
	cmd := newRootCommand(opts)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--db", c.db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// runJSON runs a command with --format json and decodes its data.
func (c *testCLI) runJSON(v any, args ...string) error {
	c.t.Helper()
	out, err := c.run(append([]string{"--format", "json"}, args...)...)
	if err != nil {
		return err
	}
	resp := CLIResponse{Data: v}
	require.NoError(c.t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(c.t, "ok", resp.Status)
	return nil
}
