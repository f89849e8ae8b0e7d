package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPipelineCommandListsDefaultPipeline(t *testing.T) {
	out, err := run(t, "pipeline", "--pipeline", "")
	require.NoError(t, err)
	assert.Contains(t, out, "KICKOFF")
	assert.Contains(t, out, "REGRESSION (per cycle)")
	assert.Contains(t, out, "FORK_BRANCH")
}

func TestPipelineCommandRejectsMissingFile(t *testing.T) {
	_, err := run(t, "pipeline", "--pipeline", "/nonexistent/pipeline.yaml")
	assert.Error(t, err)
}

func TestDatabaseURLRequired(t *testing.T) {
	t.Setenv("RELEASE_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	_, err := run(t, "verify-activity", "--database-url", "")
	assert.ErrorContains(t, err, "database-url")
}
