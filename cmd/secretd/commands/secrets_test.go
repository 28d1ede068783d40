package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/systmms/secretd/internal/config"
	"github.com/systmms/secretd/internal/logging"
)

// newTestConfig writes a minimal secretd.yaml into a temp dir and returns a
// Config pointing at it. The admin principal is granted everything.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	tempDir := t.TempDir()

	def := &config.Definition{
		Version: 1,
		Store:   config.StoreConfig{Path: filepath.Join(tempDir, "store.db")},
		KMS:     config.KMSConfig{Provider: "static", Passphrase: "test-passphrase"},
		Audit:   config.AuditConfig{Sink: "memory"},
		Access: config.AccessConfig{
			Policies: []config.PolicyRule{
				{Principal: "admin", Pattern: "*", Operations: []string{"*"}, Effect: "allow"},
			},
		},
	}
	data, err := yaml.Marshal(def)
	require.NoError(t, err)

	configPath := filepath.Join(tempDir, "secretd.yaml")
	require.NoError(t, os.WriteFile(configPath, data, 0o600))

	return &config.Config{
		Path:   configPath,
		Logger: logging.New(false, true),
	}
}

// executeCommand runs a command with args and returns its stdout.
func executeCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	cmd.SetArgs(args)
	err := cmd.Execute()

	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String(), err
}

func TestSecretsCreateAndGet(t *testing.T) {
	cfg := newTestConfig(t)

	out, err := executeCommand(t, NewSecretsCommand(cfg),
		"create", "db/password", "--value", "hunter2")
	require.NoError(t, err)
	assert.Contains(t, out, "Created db/password (version 1)")

	out, err = executeCommand(t, NewSecretsCommand(cfg), "get", "db/password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2\n", out)

	out, err = executeCommand(t, NewSecretsCommand(cfg), "get", "db/password", "--json")
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "hunter2", decoded["value"])
	assert.EqualValues(t, 1, decoded["version"])
}

func TestSecretsCreateRequiresValue(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := executeCommand(t, NewSecretsCommand(cfg), "create", "db/password")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value")
}

func TestSecretsPutConflictAndPromote(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := executeCommand(t, NewSecretsCommand(cfg),
		"create", "db/password", "--value", "v1")
	require.NoError(t, err)

	out, err := executeCommand(t, NewSecretsCommand(cfg),
		"put", "db/password", "--value", "v2", "--expected-version", "1", "--promote")
	require.NoError(t, err)
	assert.Contains(t, out, "promoted db/password version 2")

	// Writing with a stale expected version loses.
	_, err = executeCommand(t, NewSecretsCommand(cfg),
		"put", "db/password", "--value", "v3", "--expected-version", "1")
	require.Error(t, err)

	out, err = executeCommand(t, NewSecretsCommand(cfg), "get", "db/password")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", out)
}

func TestSecretsLifecycle(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := executeCommand(t, NewSecretsCommand(cfg),
		"create", "db/password", "--value", "v1")
	require.NoError(t, err)

	_, err = executeCommand(t, NewSecretsCommand(cfg), "disable", "db/password")
	require.NoError(t, err)
	_, err = executeCommand(t, NewSecretsCommand(cfg), "get", "db/password")
	require.Error(t, err)

	// Metadata stays reachable while disabled.
	out, err := executeCommand(t, NewSecretsCommand(cfg), "describe", "db/password")
	require.NoError(t, err)
	assert.Contains(t, out, "DISABLED")

	_, err = executeCommand(t, NewSecretsCommand(cfg), "enable", "db/password")
	require.NoError(t, err)
	_, err = executeCommand(t, NewSecretsCommand(cfg), "get", "db/password")
	require.NoError(t, err)

	_, err = executeCommand(t, NewSecretsCommand(cfg),
		"delete", "db/password", "--retention-seconds", "3600")
	require.NoError(t, err)

	out, err = executeCommand(t, NewSecretsCommand(cfg), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "PENDING_DELETE")
}

func TestSecretsUnauthorizedPrincipal(t *testing.T) {
	cfg := newTestConfig(t)

	_, err := executeCommand(t, NewSecretsCommand(cfg),
		"create", "db/password", "--value", "v1")
	require.NoError(t, err)

	_, err = executeCommand(t, NewSecretsCommand(cfg),
		"get", "db/password", "--principal", "stranger")
	require.Error(t, err)
}
