package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/internal/effects"
	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/hooks"
	"github.com/rendis/intake/internal/logic"
	"github.com/rendis/intake/internal/sandbox"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/internal/validation"
	"github.com/rendis/intake/pkg/schema"
)

const surveyYAML = `
id: survey
name: Survey
sections:
  - id: about
    order: 1
    steps:
      - id: name
        type: text
        required: true
  - id: feedback
    order: 2
    steps:
      - id: score
        type: number
hooks:
  - id: greet
    phase: onSectionSubmit
    section_id: about
    language: javascript
    code: |
      console.log("hello " + input.name);
      return { greeting: "hi " + input.name };
    input_keys: [name]
    output_keys: [greeting]
    enabled: true
`

func newTestServer(t *testing.T) *IntakeServer {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	exprEngine := expressions.NewExprEngine()
	jq := expressions.NewGoJQEngine()
	scripts := sandbox.NewEngine(sandbox.NewLibrary(nil), nil, sandbox.NewJavaScriptRuntime())
	orch := hooks.NewOrchestrator(scripts, exprEngine, jq, s, nil)
	validator, err := validation.NewWorkflowValidator(validation.Options{
		Languages:  orch,
		Rules:      cel,
		Transforms: map[schema.Language]expressions.TransformCompiler{schema.LangExpr: exprEngine, schema.LangJQ: jq},
	})
	require.NoError(t, err)

	coord, err := engine.NewCoordinator(engine.Config{
		Store:      s,
		Evaluator:  logic.NewEvaluator(cel),
		Hooks:      orch,
		Dispatcher: effects.NewDispatcher(effects.NewPreviewSink(), effects.NewLiveSink(effects.LiveSinkConfig{}), nil),
		Validator:  validator,
		Pool:       engine.NewWorkerPool(2),
	})
	require.NoError(t, err)
	t.Cleanup(coord.Shutdown)

	return NewIntakeServer(IntakeServerDeps{
		Coordinator: coord,
		Store:       s,
		Creator:     schema.Creator{Kind: schema.CreatorUser, ID: "agent-7"},
	})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func errorCode(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), &body))
	return body.Error.Code
}

func publishSurvey(t *testing.T, s *IntakeServer) string {
	t.Helper()
	res, err := s.handlePublish(context.Background(), buildRequest("intake.publish", map[string]any{
		"definition_yaml": surveyYAML,
	}))
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, res, &out)
	assert.Equal(t, "survey", out["workflow_id"])
	assert.Equal(t, float64(1), out["version"])
	return out["version_id"].(string)
}

func TestPublishTool(t *testing.T) {
	s := newTestServer(t)
	publishSurvey(t, s)

	res, err := s.handlePublish(context.Background(), buildRequest("intake.publish", map[string]any{
		"definition": map[string]any{
			"id": "tiny", "name": "Tiny",
			"sections": []any{map[string]any{"id": "only"}},
		},
	}))
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, res, &out)
	assert.Equal(t, "tiny", out["workflow_id"])
}

func TestPublishTool_Errors(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handlePublish(context.Background(), buildRequest("intake.publish", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handlePublish(context.Background(), buildRequest("intake.publish", map[string]any{
		"definition": map[string]any{"id": "x", "name": "x", "sections": []any{}},
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, res))
}

func TestRunTools_EndToEnd(t *testing.T) {
	s := newTestServer(t)
	publishSurvey(t, s)
	ctx := context.Background()

	res, err := s.handleCreateRun(ctx, buildRequest("intake.create_run", map[string]any{
		"workflow_id": "survey",
		"start":       true,
	}))
	require.NoError(t, err)
	var started engine.SubmitResult
	unmarshalResult(t, res, &started)
	assert.Equal(t, "about", started.NextSectionID)
	runID := started.Snapshot.RunID

	res, err = s.handleSubmitSection(ctx, buildRequest("intake.submit_section", map[string]any{
		"run_id":  runID,
		"answers": map[string]any{"name": "Ana"},
	}))
	require.NoError(t, err)
	var submitted engine.SubmitResult
	unmarshalResult(t, res, &submitted)
	assert.Equal(t, "feedback", submitted.NextSectionID)
	assert.Equal(t, "hi Ana", submitted.Snapshot.Answers["greeting"])
	require.NotEmpty(t, submitted.Console)

	res, err = s.handleSubmitSection(ctx, buildRequest("intake.submit_section", map[string]any{
		"run_id":     runID,
		"section_id": "feedback",
		"answers":    map[string]any{"score": 9},
	}))
	require.NoError(t, err)
	unmarshalResult(t, res, &submitted)
	assert.True(t, submitted.Snapshot.Completed)

	res, err = s.handleStatus(ctx, buildRequest("intake.status", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	var snap map[string]any
	unmarshalResult(t, res, &snap)
	assert.Equal(t, "completed", snap["status"])
	assert.Equal(t, "agent-7", s.creator.ID)

	res, err = s.handleTrace(ctx, buildRequest("intake.trace", map[string]any{"run_id": runID}))
	require.NoError(t, err)
	var trace traceResult
	unmarshalResult(t, res, &trace)
	require.NotEmpty(t, trace.Events)
	assert.Equal(t, schema.EventRunCreated, trace.Events[0].Type)
	assert.Equal(t, schema.EventWorkflowComplete, trace.Events[len(trace.Events)-1].Type)
	require.Len(t, trace.Logs, 1)
	assert.Equal(t, "greet", trace.Logs[0].HookID)

	res, err = s.handleTrace(ctx, buildRequest("intake.trace", map[string]any{
		"run_id":       runID,
		"since":        float64(trace.Events[len(trace.Events)-2].Sequence),
		"include_logs": false,
	}))
	require.NoError(t, err)
	var tail traceResult
	unmarshalResult(t, res, &tail)
	assert.Len(t, tail.Events, 1)
	assert.Empty(t, tail.Logs)
}

func TestCreateRunTool_PreviewByDefault(t *testing.T) {
	s := newTestServer(t)
	versionID := publishSurvey(t, s)

	res, err := s.handleCreateRun(context.Background(), buildRequest("intake.create_run", map[string]any{
		"version_id": versionID,
		"answers":    map[string]any{"name": "prefilled"},
	}))
	require.NoError(t, err)
	var snap schema.Snapshot
	unmarshalResult(t, res, &snap)
	assert.Equal(t, schema.ModePreview, snap.Mode)
	assert.Equal(t, schema.RunStatusNotStarted, snap.Status)
	assert.Equal(t, "prefilled", snap.Answers["name"])
}

func TestRunTools_Errors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() (*mcp.CallToolResult, error)
		code string
	}{
		{"create without ids", func() (*mcp.CallToolResult, error) {
			return s.handleCreateRun(ctx, buildRequest("intake.create_run", map[string]any{}))
		}, ""},
		{"create unknown workflow", func() (*mcp.CallToolResult, error) {
			return s.handleCreateRun(ctx, buildRequest("intake.create_run", map[string]any{"workflow_id": "nope"}))
		}, schema.ErrCodeNotFound},
		{"submit missing answers", func() (*mcp.CallToolResult, error) {
			return s.handleSubmitSection(ctx, buildRequest("intake.submit_section", map[string]any{"run_id": "x"}))
		}, ""},
		{"submit unknown run", func() (*mcp.CallToolResult, error) {
			return s.handleSubmitSection(ctx, buildRequest("intake.submit_section", map[string]any{
				"run_id": "nope", "answers": map[string]any{},
			}))
		}, schema.ErrCodeNotFound},
		{"status unknown run", func() (*mcp.CallToolResult, error) {
			return s.handleStatus(ctx, buildRequest("intake.status", map[string]any{"run_id": "nope"}))
		}, schema.ErrCodeNotFound},
		{"trace missing run id", func() (*mcp.CallToolResult, error) {
			return s.handleTrace(ctx, buildRequest("intake.trace", map[string]any{}))
		}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.call()
			require.NoError(t, err)
			require.True(t, res.IsError)
			if tc.code != "" {
				assert.Equal(t, tc.code, errorCode(t, res))
			}
		})
	}
}

func TestSubmitTool_ValidationErrorCarriesFields(t *testing.T) {
	s := newTestServer(t)
	versionID := publishSurvey(t, s)
	ctx := context.Background()

	res, err := s.handleCreateRun(ctx, buildRequest("intake.create_run", map[string]any{"version_id": versionID}))
	require.NoError(t, err)
	var snap schema.Snapshot
	unmarshalResult(t, res, &snap)

	res, err = s.handleSubmitSection(ctx, buildRequest("intake.submit_section", map[string]any{
		"run_id": snap.RunID, "answers": map[string]any{},
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, res))
	assert.Contains(t, extractText(t, res), `"name"`)
}
