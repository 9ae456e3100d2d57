// Package mcp exposes the run engine as Model Context Protocol tools so an
// agent can publish workflows, drive runs and read their traces.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// IntakeServerDeps holds the dependencies for creating an IntakeServer.
type IntakeServerDeps struct {
	Coordinator *engine.Coordinator
	Store       store.Store
	// Creator is recorded on runs and versions created through the tools.
	// Defaults to anonymous.
	Creator schema.Creator
	Logger  *slog.Logger
}

// IntakeServer wraps an MCP server with intake tool handlers.
type IntakeServer struct {
	coord     *engine.Coordinator
	store     store.Store
	creator   schema.Creator
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  RunNotifier
	mcpServer *server.MCPServer
}

// NewIntakeServer creates a new IntakeServer with all tools registered. When
// a coordinator is present, run completions are pushed to the session that
// last touched the run.
func NewIntakeServer(deps IntakeServerDeps) *IntakeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	creator := deps.Creator
	if creator.Kind == "" {
		creator = schema.Creator{Kind: schema.CreatorAnonymous}
	}

	s := &IntakeServer{
		coord:    deps.Coordinator,
		store:    deps.Store,
		creator:  creator,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"intake",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Intake runs multi-section intake workflows. Use intake.publish to register a definition, intake.create_run to open a run, intake.submit_section to answer the current section, intake.status for the snapshot and intake.trace for events and hook logs."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)

	if s.coord != nil {
		s.coord.FSM().OnAfter(schema.RunStatusInProgress, schema.RunStatusCompleted, s.notifyCompleted)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *IntakeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *IntakeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *IntakeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: createRunTool(), Handler: s.handleCreateRun},
		{Tool: submitSectionTool(), Handler: s.handleSubmitSection},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: traceTool(), Handler: s.handleTrace},
	}
}

func (s *IntakeServer) notifyCompleted(run *schema.Run, _, _ schema.RunStatus) error {
	err := s.notifier.Notify(context.Background(), run.ID, map[string]any{
		"type":       schema.EventWorkflowComplete,
		"run_id":     run.ID,
		"version_id": run.VersionID,
		"answers":    len(run.Answers),
	})
	s.sessions.Forget(run.ID)
	if err != nil {
		s.logger.Warn("run completion notification failed", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	return nil
}

// --- Tool definitions ---

func publishTool() mcp.Tool {
	return mcp.NewTool("intake.publish",
		mcp.WithDescription("Validate and publish a workflow definition as a new immutable version"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("definition_yaml", mcp.Description("Workflow definition as YAML, used when definition is absent")),
	)
}

func createRunTool() mcp.Tool {
	return mcp.NewTool("intake.create_run",
		mcp.WithDescription("Create a run for a published workflow version"),
		mcp.WithString("version_id", mcp.Description("Published version ID")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID; its latest version is used when version_id is absent")),
		mcp.WithString("mode", mcp.Enum("preview", "live"), mcp.Description("Dispatch mode (default: preview)")),
		mcp.WithObject("answers", mcp.Description("Pre-filled answers")),
		mcp.WithBoolean("start", mcp.Description("Start the run immediately")),
	)
}

func submitSectionTool() mcp.Tool {
	return mcp.NewTool("intake.submit_section",
		mcp.WithDescription("Submit answers for the current section of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
		mcp.WithString("section_id", mcp.Description("Section ID (default: the current section)")),
		mcp.WithObject("answers", mcp.Required(), mcp.Description("Answers keyed by step ID or alias")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("intake.status",
		mcp.WithDescription("Get the current snapshot of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
	)
}

func traceTool() mcp.Tool {
	return mcp.NewTool("intake.trace",
		mcp.WithDescription("Read the events, hook logs and queued dispatches of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID")),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence")),
		mcp.WithBoolean("include_logs", mcp.Description("Include hook execution logs (default: true)")),
	)
}
