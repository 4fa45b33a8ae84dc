// Package model defines the entities shared between the store, the task
// runtime, the git safety layer and the HTTP surface.
package model

import (
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskKind selects which slice of the pipeline a task runs.
type TaskKind string

const (
	// TaskKindBuild runs the full pipeline: replace resources, gradle, harvest.
	TaskKindBuild TaskKind = "build"
	// TaskKindResourceReplace stops after the replacement stage; no gradle run.
	TaskKindResourceReplace TaskKind = "resource_replace"
)

// Project is a user-registered Android project on the local filesystem.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Task is one unit of orchestrated work against a project.
type Task struct {
	ID            string               `json:"id"`
	ProjectID     string               `json:"project_id"`
	Kind          TaskKind             `json:"kind"`
	Branch        string               `json:"branch"`
	ArchivePath   string               `json:"archive_path,omitempty"`
	ConfigOptions map[string]string    `json:"config_options,omitempty"`
	Status        TaskStatus           `json:"status"`
	Progress      int                  `json:"progress"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	ErrorKind     string               `json:"error_kind,omitempty"`
	Result        map[string]any       `json:"result,omitempty"`
	Artifacts     []ArtifactDescriptor `json:"artifacts,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

// ArtifactKind classifies a task artifact.
type ArtifactKind string

const (
	ArtifactAPK      ArtifactKind = "apk"
	ArtifactLog      ArtifactKind = "log"
	ArtifactMetadata ArtifactKind = "metadata"
)

// ArtifactDescriptor describes one file emitted by a task.
type ArtifactDescriptor struct {
	Filename string       `json:"filename"`
	Path     string       `json:"path"`
	Size     int64        `json:"size"`
	SHA256   string       `json:"sha256"`
	Kind     ArtifactKind `json:"kind"`
	// Variant and BuildType are parsed from the harvest path segments
	// (outputs/apk/<flavor>/<buildtype>/x.apk); either may be empty.
	Variant   string `json:"variant,omitempty"`
	BuildType string `json:"build_type,omitempty"`
	// Complete is false when the producing process was cancelled mid-write.
	Complete bool `json:"complete"`
}

// SnapshotKind selects how much repository state a snapshot captures.
type SnapshotKind string

const (
	// SnapshotFull copies the entire working tree and .git.
	SnapshotFull SnapshotKind = "full"
	// SnapshotLight records HEAD, branch and a stash of uncommitted changes.
	SnapshotLight SnapshotKind = "snapshot"
)

// Snapshot records repository state captured before a mutating operation.
type Snapshot struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"project_id"`
	Kind         SnapshotKind `json:"kind"`
	SourceBranch string       `json:"source_branch"`
	SourceCommit string       `json:"source_commit"`
	StoragePath  string       `json:"storage_path"`
	StashRef     string       `json:"stash_ref,omitempty"`
	Active       bool         `json:"active"`
	OperationID  string       `json:"operation_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// GitOpKind is the kind of a recorded git operation.
type GitOpKind string

const (
	GitOpCommit       GitOpKind = "commit"
	GitOpRollback     GitOpKind = "rollback"
	GitOpBranchSwitch GitOpKind = "branch_switch"
	GitOpBranchCreate GitOpKind = "branch_create"
	GitOpBackup       GitOpKind = "backup"
	GitOpRestore      GitOpKind = "restore"
	GitOpReset        GitOpKind = "reset"
)

// GitOpStatus is the state of a git operation record.
type GitOpStatus string

const (
	GitOpPending    GitOpStatus = "pending"
	GitOpInProgress GitOpStatus = "in_progress"
	GitOpCompleted  GitOpStatus = "completed"
	GitOpFailed     GitOpStatus = "failed"
	GitOpCancelled  GitOpStatus = "cancelled"
)

// GitOperation is an auditable record of one git action.
type GitOperation struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	Kind          GitOpKind   `json:"kind"`
	Status        GitOpStatus `json:"status"`
	Branch        string      `json:"branch,omitempty"`
	PreCommit     string      `json:"pre_commit,omitempty"`
	PostCommit    string      `json:"post_commit,omitempty"`
	Message       string      `json:"message,omitempty"`
	FilesAffected []string    `json:"files_affected,omitempty"`
	SnapshotID    string      `json:"snapshot_id,omitempty"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// LogLevel is the severity of a task log record.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
	LogDebug   LogLevel = "debug"
)

// LogRecord is one line of task output carried by the log bus.
type LogRecord struct {
	Seq       uint64    `json:"seq"`
	TaskID    string    `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
