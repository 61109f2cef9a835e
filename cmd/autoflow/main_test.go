package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/autoflow/generator"
	"github.com/songzhibin97/autoflow/types"
	"github.com/songzhibin97/autoflow/workflow"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("AUTOFLOW_LOG_OUTPUT", filepath.Join(t.TempDir(), "autoflow.log"))
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenerateCmd(t *testing.T) {
	out, err := run(t, "generate", "email me when someone fills out my contact form")
	require.NoError(t, err)

	var wf types.Workflow
	require.NoError(t, json.Unmarshal([]byte(out), &wf))
	require.Len(t, wf.Nodes, 4)
	assert.Equal(t, types.NodeEmail, wf.Nodes[2].Type)

	out, err = run(t, "generate", "--format", "yaml", "write", "a", "blog", "post")
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Contains(t, doc, "nodes")
	assert.Contains(t, out, "fromNodeId")

	_, err = run(t, "generate", "--format", "xml", "contact form")
	assert.Error(t, err)

	_, err = run(t, "generate")
	assert.Error(t, err)
}

func TestCheckCmd(t *testing.T) {
	dir := t.TempDir()
	wf := generator.Templates[0].Build("contact form")
	good, err := json.Marshal(wf)
	require.NoError(t, err)
	goodPath := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(goodPath, good, 0o600))

	out, err := run(t, "check", goodPath)
	require.NoError(t, err)
	var report workflow.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Success)

	wf.Nodes[3].AuthRef = ""
	var generic interface{}
	raw, err := json.Marshal(wf)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &generic))
	bad, err := yaml.Marshal(generic)
	require.NoError(t, err)
	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, bad, 0o600))

	out, err = run(t, "check", badPath)
	require.ErrorIs(t, err, errCheckFailed)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Success)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], wf.Nodes[3].ID)

	_, err = run(t, "check", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestMigrateCmd(t *testing.T) {
	_, err := run(t, "migrate")
	assert.Error(t, err, "memory driver has nothing to migrate")

	t.Setenv("AUTOFLOW_DATABASE_DRIVER", "sqlite")
	t.Setenv("AUTOFLOW_DATABASE_DSN", filepath.Join(t.TempDir(), "autoflow.db"))
	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated sqlite")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "autoflow version")
}
