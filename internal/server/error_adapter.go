package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// HTTPErrorAdapter is the single place error kinds become status codes. Every
// handler funnels failures through WriteError.
type HTTPErrorAdapter struct {
	logger *slog.Logger
}

// NewHTTPErrorAdapter creates an adapter that logs through the given logger.
func NewHTTPErrorAdapter(logger *slog.Logger) *HTTPErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPErrorAdapter{logger: logger}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// statusFor maps error kinds to HTTP status codes. Kinds the transport does
// not recognise surface as 500.
func statusFor(kind xerrors.Kind) int {
	switch kind {
	case xerrors.KindNotFound, xerrors.KindProjectMissing, xerrors.KindSnapshotMissing:
		return http.StatusNotFound
	case xerrors.KindValidation, xerrors.KindUnsupportedFormat,
		xerrors.KindCorruptArchive, xerrors.KindPathTraversal:
		return http.StatusBadRequest
	case xerrors.KindConflict, xerrors.KindWorkingTreeDirty, xerrors.KindStaleLock,
		xerrors.KindDetachedHead, xerrors.KindNotARepository, xerrors.KindLockTimeout:
		return http.StatusConflict
	case xerrors.KindUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err as the JSON error envelope with the mapped status.
func (a *HTTPErrorAdapter) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := xerrors.KindOf(err)
	status := statusFor(kind)

	detail := errorDetail{Kind: string(kind), Message: err.Error()}
	var xe *xerrors.Error
	if errors.As(err, &xe) {
		detail.Message = xe.Message
		if xe.Cause != nil {
			detail.Message = xe.Error()
		}
		if len(xe.Context) > 0 {
			detail.Context = xe.Context
		}
	}

	if status >= http.StatusInternalServerError {
		a.logger.Error("Request failed",
			logfields.Method(r.Method),
			logfields.Path(r.URL.Path),
			logfields.Error(err))
	}

	if werr := writeJSON(w, status, errorBody{Error: detail}); werr != nil {
		a.logger.Error("Failed writing error response", logfields.Error(werr))
	}
}
