package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/identity"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// --- Versions ---

// handlePublish accepts a definition as JSON or YAML.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errBadRequest("read body: %v", err))
		return
	}
	def, err := schema.DecodeDefinition(body)
	if err != nil {
		writeError(w, err)
		return
	}
	creator := identity.CreatorFrom(r.Context())
	v, err := s.deps.Coordinator.Publish(r.Context(), def, creator.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Store.GetVersion(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Store.ListVersions(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if versions == nil {
		versions = []*store.WorkflowVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

// --- Runs ---

type createRunRequest struct {
	VersionID string         `json:"version_id"`
	Mode      schema.Mode    `json:"mode,omitempty"`
	Answers   map[string]any `json:"answers,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.VersionID == "" {
		writeError(w, errBadRequest("version_id is required"))
		return
	}
	s.createRun(w, r, req, identity.CreatorFrom(r.Context()))
}

// handlePublicCreateRun creates an anonymous run for the version in the path.
func (s *Server) handlePublicCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.VersionID = chi.URLParam(r, "versionID")
	s.createRun(w, r, req, identity.Anonymous())
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request, req createRunRequest, creator schema.Creator) {
	run, err := s.deps.Coordinator.CreateRun(r.Context(), engine.CreateRunParams{
		VersionID: req.VersionID,
		Mode:      req.Mode,
		Creator:   creator,
		Answers:   req.Answers,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.deps.Store.ListRuns(r.Context(), store.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		VersionID:  q.Get("version_id"),
		Status:     schema.RunStatus(q.Get("status")),
		Limit:      queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	snapshots := make([]schema.Snapshot, 0, len(runs))
	for _, run := range runs {
		snapshots = append(snapshots, schema.SnapshotOf(run))
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Coordinator.Snapshot(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Coordinator.StartRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type submitRequest struct {
	Answers map[string]any `json:"answers"`
}

func (s *Server) handleSubmitSection(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Coordinator.SubmitSection(r.Context(),
		chi.URLParam(r, "runID"), chi.URLParam(r, "sectionID"), req.Answers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Trace ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Coordinator.Events(r.Context(), chi.URLParam(r, "runID"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*schema.RunEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.deps.Coordinator.Logs(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*schema.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.Store.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.Store.ListOutbox(r.Context(), store.OutboxFilter{
		RunID:  runID,
		Status: store.OutboxStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*store.OutboxEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
