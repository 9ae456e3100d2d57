package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/pkg/schema"
)

const leadYAML = `
id: lead
name: Lead
sections:
  - id: contact
    order: 1
    steps:
      - id: email
        type: email
        required: true
      - id: age
        type: number
  - id: adult
    order: 2
    steps:
      - id: company
        type: text
rules:
  - id: adults-only
    targets: [adult]
    conditions:
      - step: age
        operator: greater_than
        value: 17
hooks:
  - id: domain
    phase: onSectionSubmit
    section_id: contact
    language: lua
    code: |
      local at = string.find(input.email, "@")
      return { domain = string.sub(input.email, at + 1) }
    input_keys: [email]
    output_keys: [domain]
    enabled: true
effects:
  - id: notify
    kind: send
    phase: onRunComplete
    destination: https://hooks.invalid/lead
    mapping:
      email: email
      domain: domain
    enabled: true
`

func testApp(t *testing.T) *app {
	t.Helper()
	home := t.TempDir()
	t.Setenv("INTAKE_HOME", home)
	cfg := defaultConfig()
	logger, _ := newLogger(&bytes.Buffer{}, "error")
	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunLocal_FollowsVisibleSections(t *testing.T) {
	a := testApp(t)
	def, err := schema.DecodeDefinition([]byte(leadYAML))
	require.NoError(t, err)

	answers, err := readAnswers(writeFile(t, "answers.yaml", `
contact:
  email: ana@example.com
  age: 30
adult:
  company: Acme
`))
	require.NoError(t, err)

	var out bytes.Buffer
	snap, err := runLocal(context.Background(), a.coord, def, answers, schema.ModePreview, &out)
	require.NoError(t, err)
	assert.True(t, snap.Completed)
	assert.Equal(t, "example.com", snap.Answers["domain"])
	assert.Equal(t, "Acme", snap.Answers["company"])

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	var first runStep
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "contact", first.Section)
	assert.Equal(t, "adult", first.Next)
}

func TestRunLocal_SkipsHiddenSection(t *testing.T) {
	a := testApp(t)
	def, err := schema.DecodeDefinition([]byte(leadYAML))
	require.NoError(t, err)

	answers := map[string]map[string]any{"contact": {"email": "kid@example.com", "age": 12}}
	var out bytes.Buffer
	snap, err := runLocal(context.Background(), a.coord, def, answers, schema.ModePreview, &out)
	require.NoError(t, err)
	assert.True(t, snap.Completed)
	assert.NotContains(t, snap.Answers, "company")
}

func TestRunLocal_ValidationFailureStops(t *testing.T) {
	a := testApp(t)
	def, err := schema.DecodeDefinition([]byte(leadYAML))
	require.NoError(t, err)

	_, err = runLocal(context.Background(), a.coord, def, nil, schema.ModePreview, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "section contact")
}

func TestReadAnswers(t *testing.T) {
	got, err := readAnswers("")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = readAnswers(writeFile(t, "a.json", `{"s1": {"n": 3}}`))
	require.NoError(t, err)
	assert.Equal(t, float64(3), got["s1"]["n"])

	_, err = readAnswers(writeFile(t, "bad.yaml", "s1: [1, 2]"))
	assert.Error(t, err)
}

func TestValidateDefinition(t *testing.T) {
	def, err := schema.DecodeDefinition([]byte(leadYAML))
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, validateDefinition(&out, def))
	assert.Contains(t, out.String(), "lead is valid (2 sections, 1 hooks, 1 effects)")

	def.Rules[0].Targets = []string{"nowhere"}
	out.Reset()
	err = validateDefinition(&out, def)
	require.Error(t, err)
	assert.Contains(t, out.String(), "rules[0]")
}

func TestCommands_ValidateAndSchema(t *testing.T) {
	t.Setenv("INTAKE_HOME", t.TempDir())
	path := writeFile(t, "lead.yaml", leadYAML)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "is valid")

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"schema"})
	require.NoError(t, root.Execute())
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, schema.DefinitionSchemaID, doc["$id"])
}

func TestCommands_ConfigSetAndShow(t *testing.T) {
	t.Setenv("INTAKE_HOME", t.TempDir())

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"config", "set", "vault_key", "hunter2"})
	require.NoError(t, root.Execute())

	root = newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "show"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"vault_key": "********"`)
	assert.NotContains(t, out.String(), "hunter2")
}

func TestCommands_Secrets(t *testing.T) {
	t.Setenv("INTAKE_HOME", t.TempDir())
	t.Setenv("INTAKE_VAULT_KEY", "correct horse battery staple")

	run := func(args ...string) string {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(args)
		require.NoError(t, root.Execute())
		return out.String()
	}
	run("secret", "set", "crm.token", "abc")
	assert.Equal(t, "crm.token\n", run("secret", "list"))
	run("secret", "delete", "crm.token")
	assert.Empty(t, run("secret", "list"))
}

func TestAPIHandler(t *testing.T) {
	a := testApp(t)
	h, err := apiHandler(a, Config{APITokens: map[string]string{"ops": "tok"}})
	require.NoError(t, err)

	swapper := newHandlerSwapper(h)
	srv := httptest.NewServer(swapper)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h2, err := apiHandler(a, Config{APITokens: map[string]string{"ops": "rotated"}})
	require.NoError(t, err)
	swapper.Swap(h2)

	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = apiHandler(a, Config{APITokens: map[string]string{"a": "same", "b": "same"}})
	assert.Error(t, err)
}
