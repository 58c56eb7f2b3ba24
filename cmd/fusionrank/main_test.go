package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenglow/fusionrank/internal/ingest"
	"github.com/zenglow/fusionrank/pkg/types"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fusionrank.yaml")
	content := `
storage:
  path: ` + filepath.Join(dir, "fusionrank.db") + `
embedding:
  small:
    provider: local
    dimension: 16
  dense:
    provider: local
    dimension: 32
cache:
  backend: sql
logging:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLIWorkflow(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")
	assert.Contains(t, out, "small=16 dense=32")

	out, err = execute(t, "--config", cfg, "ingest", "--tenant", "acme", "--id", "pricing",
		"--text", "Pricing comes in three tiers: starter, growth and enterprise.")
	require.NoError(t, err)
	var result ingest.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "pricing", result.ExternalID)
	assert.Equal(t, 1, result.Version)

	out, err = execute(t, "--config", cfg, "query", "--tenant", "acme", "--json", "pricing", "tiers")
	require.NoError(t, err)
	var resp types.QueryResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, types.DefaultExperimentID, resp.ExperimentID)

	out, err = execute(t, "--config", cfg, "experiment", "activate", "--tenant", "acme",
		"--name", "concept-heavy", "--w-ltr", "0.25", "--w-concept", "0.75")
	require.NoError(t, err)
	var exp types.ScoringExperiment
	require.NoError(t, json.Unmarshal([]byte(out), &exp))
	assert.Equal(t, types.Weights{LTR: 0.25, Concept: 0.75}, exp.Weights)

	out, err = execute(t, "--config", cfg, "experiment", "list", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "concept-heavy")

	out, err = execute(t, "--config", cfg, "query", "--tenant", "acme", "--json", "pricing", "tiers")
	require.NoError(t, err)
	resp = types.QueryResponse{}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, exp.ID, resp.ExperimentID)
	assert.Equal(t, types.CacheHitNone, resp.CacheHit, "activation drops cached responses")

	out, err = execute(t, "--config", cfg, "cache", "invalidate", "--scope", "full", "--tenant", "acme")
	require.NoError(t, err)
	assert.Equal(t, "invalidated 1 full entries\n", out)

	_, err = execute(t, "--config", cfg, "experiment", "activate", "--w-ltr", "0", "--w-concept", "0")
	assert.Equal(t, types.CodeInvalidWeightConfig, types.CodeOf(err))

	out, err = execute(t, "--config", cfg, "maintain")
	require.NoError(t, err)
	assert.Contains(t, out, "partitions_ensured")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: dev")
	assert.Contains(t, out, "Build Mode:")
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n b\tc", 10))
	assert.Equal(t, "abcd…", oneLine("abcdefgh", 5))
}
