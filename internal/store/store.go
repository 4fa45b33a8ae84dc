// Package store provides the sqlite-backed repositories for projects, tasks,
// git operations and snapshots.
//
// updateStatus calls against the same id are linearised by the store-wide
// write lock; cross-row ordering is not guaranteed and not required.
package store

import (
	"context"
	"time"

	"github.com/apkforge/apkforge/internal/model"
)

// ProjectRepo is the persistence contract for projects.
type ProjectRepo interface {
	Create(ctx context.Context, p *model.Project) error
	GetByID(ctx context.Context, id string) (*model.Project, error)
	GetByName(ctx context.Context, name string) (*model.Project, error)
	ListActive(ctx context.Context) ([]*model.Project, error)
	Update(ctx context.Context, p *model.Project) error
	SoftDelete(ctx context.Context, id string) error
}

// TaskUpdate carries the optional fields of a status update.
type TaskUpdate struct {
	Progress     *int
	ErrorMessage *string
	ErrorKind    *string
	Result       map[string]any
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// TaskRepo is the persistence contract for tasks.
type TaskRepo interface {
	Create(ctx context.Context, t *model.Task) error
	GetByID(ctx context.Context, id string) (*model.Task, error)
	ListByProject(ctx context.Context, projectID string) ([]*model.Task, error)
	UpdateStatus(ctx context.Context, id string, status model.TaskStatus, fields TaskUpdate) error
	AppendArtifact(ctx context.Context, id string, artifact model.ArtifactDescriptor) error
	MarkAbandoned(ctx context.Context) (int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// GitOpFilter narrows ListByProject results.
type GitOpFilter struct {
	Kind   model.GitOpKind
	Status model.GitOpStatus
	Limit  int
}

// GitOpRepo is the persistence contract for git operation records.
type GitOpRepo interface {
	Create(ctx context.Context, op *model.GitOperation) error
	GetByID(ctx context.Context, id string) (*model.GitOperation, error)
	UpdateStatus(ctx context.Context, id string, status model.GitOpStatus, postCommit, errMsg string) error
	ListByProject(ctx context.Context, projectID string, filter GitOpFilter) ([]*model.GitOperation, error)
}

// SnapshotRepo is the persistence contract for snapshot records.
type SnapshotRepo interface {
	Create(ctx context.Context, s *model.Snapshot) error
	GetByID(ctx context.Context, id string) (*model.Snapshot, error)
	ListActiveByProject(ctx context.Context, projectID string) ([]*model.Snapshot, error)
	MarkInactive(ctx context.Context, id string) error
	ExtendExpiry(ctx context.Context, id string, until time.Time) error
	ListExpired(ctx context.Context, now time.Time) ([]*model.Snapshot, error)
}

// Store bundles all repositories behind one handle.
type Store interface {
	Projects() ProjectRepo
	Tasks() TaskRepo
	GitOps() GitOpRepo
	Snapshots() SnapshotRepo
	Close() error
}
