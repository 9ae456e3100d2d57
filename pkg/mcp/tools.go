package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// handlePublish validates and stores a definition given as an object or YAML.
func (s *IntakeServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var raw []byte
	if obj := mcp.ParseStringMap(req, "definition", nil); obj != nil {
		b, err := json.Marshal(obj)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		raw = b
	} else if y := req.GetString("definition_yaml", ""); y != "" {
		raw = []byte(y)
	} else {
		return mcp.NewToolResultError("definition or definition_yaml is required"), nil
	}

	def, err := schema.DecodeDefinition(raw)
	if err != nil {
		return errorResult(err), nil
	}
	v, err := s.coord.Publish(ctx, def, s.creator.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(map[string]any{
		"version_id":  v.ID,
		"workflow_id": v.WorkflowID,
		"version":     v.Version,
		"checksum":    v.Checksum,
	})
}

// handleCreateRun opens a run, optionally starting it in the same call.
func (s *IntakeServer) handleCreateRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	versionID := req.GetString("version_id", "")
	if versionID == "" {
		workflowID := req.GetString("workflow_id", "")
		if workflowID == "" {
			return mcp.NewToolResultError("version_id or workflow_id is required"), nil
		}
		v, err := s.store.LatestVersion(ctx, workflowID)
		if err != nil {
			return errorResult(err), nil
		}
		versionID = v.ID
	}

	run, err := s.coord.CreateRun(ctx, engine.CreateRunParams{
		VersionID: versionID,
		Mode:      schema.Mode(req.GetString("mode", "")),
		Creator:   s.creator,
		Answers:   mcp.ParseStringMap(req, "answers", nil),
	})
	if err != nil {
		return errorResult(err), nil
	}
	s.captureSession(ctx, run.ID)

	if !req.GetBool("start", false) {
		return marshalResult(schema.SnapshotOf(run))
	}
	res, err := s.coord.StartRun(ctx, run.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(res)
}

func (s *IntakeServer) handleSubmitSection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	answers := mcp.ParseStringMap(req, "answers", nil)
	if answers == nil {
		return mcp.NewToolResultError("answers is required"), nil
	}
	s.captureSession(ctx, runID)

	res, err := s.coord.SubmitSection(ctx, runID, req.GetString("section_id", ""), answers)
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(res)
}

func (s *IntakeServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	snap, err := s.coord.Snapshot(ctx, runID)
	if err != nil {
		return errorResult(err), nil
	}
	return marshalResult(snap)
}

type traceResult struct {
	RunID  string                 `json:"run_id"`
	Events []*schema.RunEvent     `json:"events"`
	Logs   []*schema.ExecutionLog `json:"logs,omitempty"`
	Outbox []*store.OutboxEntry   `json:"outbox,omitempty"`
}

func (s *IntakeServer) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	events, err := s.coord.Events(ctx, runID, int64(req.GetFloat("since", 0)))
	if err != nil {
		return errorResult(err), nil
	}
	out := traceResult{RunID: runID, Events: events}
	if out.Events == nil {
		out.Events = []*schema.RunEvent{}
	}

	if req.GetBool("include_logs", true) {
		if out.Logs, err = s.coord.Logs(ctx, runID); err != nil {
			return errorResult(err), nil
		}
	}
	if out.Outbox, err = s.store.ListOutbox(ctx, store.OutboxFilter{RunID: runID}); err != nil {
		return errorResult(err), nil
	}
	return marshalResult(out)
}

// --- Helpers ---

// captureSession maps the run to the current MCP session for notifications.
func (s *IntakeServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// errorResult renders an error as a tool error. Structured errors keep their
// code and details so the caller can act on field errors.
func errorResult(err error) *mcp.CallToolResult {
	var body any = map[string]any{"code": schema.CodeOf(err), "message": err.Error()}
	var ie *schema.IntakeError
	if errors.As(err, &ie) {
		body = ie
	}
	data, mErr := json.Marshal(map[string]any{"error": body})
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
