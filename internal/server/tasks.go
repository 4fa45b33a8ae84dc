package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/taskrun"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// maxUploadBytes bounds one archive upload.
const maxUploadBytes = 2 << 30

// handleUpload stages a multipart archive into the uploads directory and
// returns the server-side path for use in task creation.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("archive")
	if err != nil {
		s.adapter.WriteError(w, r, xerrors.Wrap(err, xerrors.KindValidation, "multipart field 'archive' is required"))
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	switch ext {
	case ".zip", ".rar", ".7z":
	default:
		s.adapter.WriteError(w, r, xerrors.Newf(xerrors.KindUnsupportedFormat, "unsupported archive extension %q", ext))
		return
	}

	if err := os.MkdirAll(s.opts.UploadsDir, 0o755); err != nil {
		s.adapter.WriteError(w, r, xerrors.Wrap(err, xerrors.KindInternal, "prepare uploads directory"))
		return
	}
	dest := filepath.Join(s.opts.UploadsDir, fmt.Sprintf("%s%s", uuid.NewString(), ext))
	out, err := os.Create(dest)
	if err != nil {
		s.adapter.WriteError(w, r, xerrors.Wrap(err, xerrors.KindInternal, "create upload file"))
		return
	}
	size, err := io.Copy(out, file)
	closeErr := out.Close()
	if err != nil || closeErr != nil {
		os.Remove(dest)
		s.adapter.WriteError(w, r, xerrors.New(xerrors.KindInternal, "write upload file"))
		return
	}

	_ = writeJSON(w, http.StatusCreated, map[string]any{
		"archive_path": dest,
		"filename":     header.Filename,
		"size":         size,
	})
}

type createTaskRequest struct {
	ProjectID     string            `json:"project_id"`
	Kind          model.TaskKind    `json:"kind"`
	Branch        string            `json:"branch"`
	ArchivePath   string            `json:"archive_path"`
	ConfigOptions map[string]string `json:"config_options"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.adapter.WriteError(w, r, xerrors.Wrap(err, xerrors.KindValidation, "invalid request body"))
		return
	}
	if req.Kind == "" {
		req.Kind = model.TaskKindBuild
	}

	task, err := s.runtime.Create(r.Context(), taskrun.CreateParams{
		ProjectID:     req.ProjectID,
		Kind:          req.Kind,
		Branch:        req.Branch,
		ArchivePath:   req.ArchivePath,
		ConfigOptions: req.ConfigOptions,
	})
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.runtime.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runtime.Start(id); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	task, err := s.runtime.Get(r.Context(), id)
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runtime.Cancel(id); err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	task, err := s.runtime.Get(r.Context(), id)
	if err != nil {
		s.adapter.WriteError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusAccepted, task)
}
