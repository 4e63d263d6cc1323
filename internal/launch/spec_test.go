package launch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_FullSpec(t *testing.T) {
	data := []byte(`
path: /opt/bin/worker
args:
  - "--log-level"
  - "debug"
dir: /tmp/work
env:
  WORKER_MODE: fast
use_ipc: true
`)

	spec, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, "/opt/bin/worker", spec.Path)
	require.Equal(t, []string{"--log-level", "debug"}, spec.Args)
	require.Equal(t, "/tmp/work", spec.Dir)
	require.Equal(t, map[string]string{"WORKER_MODE": "fast"}, spec.Env)
	require.True(t, spec.UsesIPC())
}

func TestParse_MissingPath(t *testing.T) {
	_, err := Parse([]byte("args: [--verbose]"))
	require.ErrorContains(t, err, "path is required")
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("path: [unclosed"))
	require.ErrorContains(t, err, "parse launch spec")
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("path: ./worker\n"), 0o600))

	spec, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "./worker", spec.Path)
	require.False(t, spec.UsesIPC())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read launch spec")
}

func TestUsesIPC_DetectedFromArgs(t *testing.T) {
	spec := &Spec{Path: "./worker", Args: []string{"--verbose", IPCFlag}}
	require.True(t, spec.UsesIPC())

	spec = &Spec{Path: "./worker", Args: []string{"--verbose"}}
	require.False(t, spec.UsesIPC())
}

func TestEnvironment_AppliesOverrides(t *testing.T) {
	t.Setenv("LAUNCH_TEST_BASE", "inherited")

	spec := &Spec{
		Path: "./worker",
		Env: map[string]string{
			"WORKER_B": "2",
			"WORKER_A": "1",
		},
	}

	env := spec.Environment()
	require.Contains(t, env, "LAUNCH_TEST_BASE=inherited")

	// Overrides land at the tail in sorted key order.
	require.Equal(t, "WORKER_A=1", env[len(env)-2])
	require.Equal(t, "WORKER_B=2", env[len(env)-1])
}
