package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyTaskID      = "task_id"
	KeyProjectID   = "project_id"
	KeyOperationID = "operation_id"
	KeySnapshotID  = "snapshot_id"
	KeyStage       = "stage"
	KeyBranch      = "branch"
	KeyStatus      = "status"
	KeyProgress    = "progress"
	KeyDurationMS  = "duration_ms"
	KeyPath        = "path"
	KeyError       = "error"
	KeyMethod      = "method"
	KeyStatusCode  = "status_code"
	KeyUserAgent   = "user_agent"
	KeyRemoteAddr  = "remote_addr"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func TaskID(id string) slog.Attr      { return slog.String(KeyTaskID, id) }
func ProjectID(id string) slog.Attr   { return slog.String(KeyProjectID, id) }
func OperationID(id string) slog.Attr { return slog.String(KeyOperationID, id) }
func SnapshotID(id string) slog.Attr  { return slog.String(KeySnapshotID, id) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Branch(name string) slog.Attr    { return slog.String(KeyBranch, name) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Progress(p int) slog.Attr        { return slog.Int(KeyProgress, p) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func StatusCode(code int) slog.Attr   { return slog.Int(KeyStatusCode, code) }
func UserAgent(ua string) slog.Attr   { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
