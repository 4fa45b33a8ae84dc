package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/apkforge/apkforge/internal/gitsafe"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/store"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// project loads the path parameter's project or writes the error. Soft
// deleted projects are indistinguishable from absent ones at the API.
func (s *Server) project(w http.ResponseWriter, r *http.Request) (*model.Project, bool) {
	project, err := s.store.Projects().GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return nil, false
	}
	if !project.Active {
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindNotFound, "project not found"))
		return nil, false
	}
	return project, true
}

// guardBusy rejects git writes while the project has an active task. The
// repo guard would serialize them anyway, but failing fast beats queueing a
// user request behind a 30 minute build.
func (s *Server) guardBusy(w http.ResponseWriter, r *http.Request, projectID string) bool {
	if s.runtime.HasActiveTask(projectID) {
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindConflict, "project has an active task"))
		return false
	}
	return true
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	status, err := s.git.Status(r.Context(), project)
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGitBranches(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	branches, err := s.git.Branches(r.Context(), project)
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

type branchRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleGitCreateBranch(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	var req branchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindValidation, "branch name is required"))
		return
	}
	if !s.guardBusy(w, r, project.ID) {
		return
	}
	if err := s.git.CreateBranch(r.Context(), project, req.Name); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, map[string]any{"branch": req.Name})
}

type checkoutRequest struct {
	Name   string `json:"name"`
	Create bool   `json:"create"`
}

func (s *Server) handleGitCheckout(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindValidation, "branch name is required"))
		return
	}
	if !s.guardBusy(w, r, project.ID) {
		return
	}
	if err := s.git.CheckoutBranch(r.Context(), project, req.Name, req.Create); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"branch": req.Name})
}

func (s *Server) handleGitHistory(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.adapter.WriteError(w, r, xerrors.New(xerrors.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	history, err := s.git.History(r.Context(), project, limit)
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"commits": history})
}

func (s *Server) handleGitOperations(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	filter := store.GitOpFilter{
		Kind:   model.GitOpKind(r.URL.Query().Get("kind")),
		Status: model.GitOpStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	ops, err := s.git.Operations(r.Context(), project.ID, filter)
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

type commitRequest struct {
	Message      string   `json:"message"`
	Paths        []string `json:"paths"`
	AllowEmpty   bool     `json:"allow_empty"`
	WithSnapshot bool     `json:"with_snapshot"`
}

func (s *Server) handleGitCommit(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindValidation, "commit message is required"))
		return
	}
	if !s.guardBusy(w, r, project.ID) {
		return
	}
	hash, err := s.git.AtomicCommit(r.Context(), project, gitsafe.CommitOptions{
		Message:      req.Message,
		Paths:        req.Paths,
		AllowEmpty:   req.AllowEmpty,
		WithSnapshot: req.WithSnapshot,
	})
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"commit": hash})
}

type rollbackRequest struct {
	TargetCommit string `json:"target_commit"`
	WithSnapshot bool   `json:"with_snapshot"`
}

func (s *Server) handleGitRollback(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetCommit == "" {
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindValidation, "target_commit is required"))
		return
	}
	if !s.guardBusy(w, r, project.ID) {
		return
	}
	if err := s.git.Rollback(r.Context(), project, req.TargetCommit, req.WithSnapshot); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"commit": req.TargetCommit})
}

func (s *Server) handleGitReset(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	if !s.guardBusy(w, r, project.ID) {
		return
	}
	if err := s.git.ResetWorkingTree(r.Context(), project); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	snapshots, err := s.git.ListSnapshots(r.Context(), project.ID)
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

type snapshotRequest struct {
	Kind model.SnapshotKind `json:"kind"`
	// TTLHours overrides the configured snapshot TTL when positive.
	TTLHours int `json:"ttl_hours"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.adapter.WriteError(w, r, xerrors.Wrap(err, xerrors.KindValidation, "invalid request body"))
		return
	}
	if req.Kind == "" {
		req.Kind = model.SnapshotFull
	}
	if req.Kind != model.SnapshotFull && req.Kind != model.SnapshotLight {
		s.adapter.WriteError(w, r, xerrors.Newf(xerrors.KindValidation, "unknown snapshot kind %q", req.Kind))
		return
	}
	if !s.guardBusy(w, r, project.ID) {
		return
	}
	snapshot, err := s.git.Snapshot(r.Context(), project, req.Kind, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, snapshot)
}

type restoreRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	var req restoreRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.adapter.WriteError(w, r, xerrors.Wrap(err, xerrors.KindValidation, "invalid request body"))
			return
		}
	}
	if !s.guardBusy(w, r, project.ID) {
		return
	}
	if err := s.git.RestoreSnapshot(r.Context(), project, r.PathValue("sid"), req.Force); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	if !s.guardBusy(w, r, project.ID) {
		return
	}
	if err := s.git.DeleteSnapshot(r.Context(), r.PathValue("sid")); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
