package dsl

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewWorkflow = `
name: task-review
version: "1"
description: implement, test and review one task
trigger:
  condition: intent == "review_task"
variables:
  base_branch: main
steps:
  - name: checkout
    type: checkout_branch
    config:
      base: ${base_branch}
      branch: feat/${task.id}
  - name: implement
    type: persona_request
    depends_on: [checkout]
    config:
      persona: lead-engineer
      intent: implement_task
    outputs: [result]
  - name: qa
    type: persona_request
    depends_on: [implement]
    condition: ${implement_status} == "pass"
    config:
      persona: tester-qa
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(reviewWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "task-review", def.Name)
	assert.Equal(t, "1", def.Version)
	require.NotNil(t, def.Trigger)
	assert.Equal(t, `intent == "review_task"`, def.Trigger.Condition)
	assert.Equal(t, "main", def.Variables["base_branch"])
	require.Len(t, def.Steps, 3)

	impl, ok := def.Step("implement")
	require.True(t, ok)
	assert.Equal(t, "persona_request", impl.Type)
	assert.Equal(t, []string{"checkout"}, impl.DependsOn)
	assert.Equal(t, []string{"result"}, impl.Outputs)
	assert.Equal(t, "lead-engineer", impl.Config["persona"])

	_, ok = def.Step("nope")
	assert.False(t, ok)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("steps: [unterminated"))
	assert.Error(t, err)
}

func TestParse_ValidationFailure(t *testing.T) {
	_, err := Parse([]byte(`
name: broken
steps:
  - name: a
    type: set_variables
    depends_on: [ghost]
`))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "broken", ve.Workflow)
	assert.Contains(t, ve.Error(), "undefined step ghost")
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewWorkflow), 0o644))

	def, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, def.Source)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("b.yml", "name: second\nsteps:\n  - name: s\n    type: set_variables\n")
	write("a.yaml", reviewWorkflow)
	write("notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	defs, err := ParseDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "task-review", defs[0].Name)
	assert.Equal(t, "second", defs[1].Name)
}

func TestParseDir_ReportsAllFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: x\nsteps: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("name: [bad"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yaml"), []byte(reviewWorkflow), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d.yaml"), []byte(reviewWorkflow), 0o644))

	_, err := ParseDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.yaml")
	assert.Contains(t, err.Error(), "b.yaml")
	assert.Contains(t, err.Error(), "already defined")
}
