package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/xerrors"
)

type projectRequest struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// assetsRoot is the replacement target inside an android project.
const assetsRoot = "app/src/main/assets/apps"

// validateProjectPath checks that the path points at a plausible Android
// project: the directory exists, carries a gradle wrapper and the replaced
// assets root.
func validateProjectPath(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return xerrors.Newf(xerrors.KindValidation, "project path %s is not a directory", path)
	}
	if _, err := os.Stat(filepath.Join(path, "gradlew")); err != nil {
		return xerrors.Newf(xerrors.KindValidation, "no gradle wrapper under %s", path)
	}
	if info, err := os.Stat(filepath.Join(path, assetsRoot)); err != nil || !info.IsDir() {
		return xerrors.Newf(xerrors.KindValidation, "no %s directory under %s", assetsRoot, path)
	}
	return nil
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.adapter.WriteError(w, r, xerrors.Wrap(err, xerrors.KindValidation, "invalid request body"))
		return
	}
	if req.Name == "" || req.Path == "" {
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindValidation, "name and path are required"))
		return
	}
	if err := validateProjectPath(req.Path); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	if existing, err := s.store.Projects().GetByName(r.Context(), req.Name); err == nil && existing != nil {
		s.adapter.WriteError(w, r, xerrors.Newf(xerrors.KindConflict, "project %s already exists", req.Name))
		return
	}

	now := time.Now()
	project := &model.Project{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Path:        req.Path,
		Description: req.Description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Projects().Create(r.Context(), project); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.Projects().ListActive(r.Context())
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}
	_ = writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.project(w, r)
	if !ok {
		return
	}

	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.adapter.WriteError(w, r, xerrors.Wrap(err, xerrors.KindValidation, "invalid request body"))
		return
	}
	if req.Name != "" {
		project.Name = req.Name
	}
	if req.Path != "" {
		if err := validateProjectPath(req.Path); err != nil {
			s.adapter.WriteError(w, r, err)
			return
		}
		project.Path = req.Path
	}
	if req.Description != "" {
		project.Description = req.Description
	}
	project.UpdatedAt = time.Now()

	if err := s.store.Projects().Update(r.Context(), project); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.runtime.HasActiveTask(id) {
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindConflict, "project has an active task"))
		return
	}
	if err := s.store.Projects().SoftDelete(r.Context(), id); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProjectTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.Tasks().ListByProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}
