package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/xerrors"
)

type sqliteTasks struct {
	s *SQLiteStore
}

func (r *sqliteTasks) Create(ctx context.Context, t *model.Task) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	configJSON, err := marshalNullable(t.ConfigOptions)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindInternal, "marshal config options")
	}

	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, kind, branch, archive_path, config_options,
		                    status, progress, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, string(t.Kind), t.Branch, t.ArchivePath, configJSON,
		string(t.Status), t.Progress, t.CreatedAt.Unix(),
	)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "insert task")
	}
	return nil
}

func (r *sqliteTasks) GetByID(ctx context.Context, id string) (*model.Task, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row := r.s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

func (r *sqliteTasks) ListByProject(ctx context.Context, projectID string) ([]*model.Task, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx,
		taskSelect+` WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "query tasks")
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "iterate tasks")
	}
	return tasks, nil
}

func (r *sqliteTasks) UpdateStatus(ctx context.Context, id string, status model.TaskStatus, fields TaskUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	query := `UPDATE tasks SET status = ?`
	args := []any{string(status)}

	if fields.Progress != nil {
		query += `, progress = ?`
		args = append(args, *fields.Progress)
	}
	if fields.ErrorMessage != nil {
		query += `, error_message = ?`
		args = append(args, *fields.ErrorMessage)
	}
	if fields.ErrorKind != nil {
		query += `, error_kind = ?`
		args = append(args, *fields.ErrorKind)
	}
	if fields.Result != nil {
		resultJSON, err := json.Marshal(fields.Result)
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindInternal, "marshal result")
		}
		query += `, result = ?`
		args = append(args, string(resultJSON))
	}
	if fields.StartedAt != nil {
		query += `, started_at = ?`
		args = append(args, fields.StartedAt.Unix())
	}
	if fields.CompletedAt != nil {
		query += `, completed_at = ?`
		args = append(args, fields.CompletedAt.Unix())
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := r.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "update task status")
	}
	return requireRow(res, "task", id)
}

func (r *sqliteTasks) AppendArtifact(ctx context.Context, id string, artifact model.ArtifactDescriptor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// Read-modify-write under the store write lock; artifacts are a JSON list.
	var artifactsJSON sql.NullString
	err := r.s.db.QueryRowContext(ctx, `SELECT artifacts FROM tasks WHERE id = ?`, id).Scan(&artifactsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return xerrors.Newf(xerrors.KindNotFound, "task %s not found", id)
		}
		return xerrors.Wrap(err, xerrors.KindUnavailable, "read artifacts")
	}

	var artifacts []model.ArtifactDescriptor
	if artifactsJSON.Valid && artifactsJSON.String != "" {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &artifacts); err != nil {
			return xerrors.Wrap(err, xerrors.KindInternal, "unmarshal artifacts")
		}
	}
	artifacts = append(artifacts, artifact)

	updated, err := json.Marshal(artifacts)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindInternal, "marshal artifacts")
	}

	_, err = r.s.db.ExecContext(ctx, `UPDATE tasks SET artifacts = ? WHERE id = ?`, string(updated), id)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "update artifacts")
	}
	return nil
}

// MarkAbandoned moves every non-terminal task to failed. Called once at
// startup: in-flight tasks do not survive a process restart.
func (r *sqliteTasks) MarkAbandoned(ctx context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error_kind = ?, error_message = ?, completed_at = ?
		 WHERE status IN (?, ?)`,
		string(model.TaskFailed), string(xerrors.KindAbandoned),
		"task was in flight when the server restarted",
		time.Now().Unix(),
		string(model.TaskPending), string(model.TaskRunning),
	)
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.KindUnavailable, "mark abandoned tasks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.KindUnavailable, "rows affected")
	}
	return int(n), nil
}

// DeleteTerminalBefore removes terminal tasks completed before the cutoff.
func (r *sqliteTasks) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE completed_at IS NOT NULL AND completed_at < ?
		 AND status IN (?, ?, ?)`,
		cutoff.Unix(),
		string(model.TaskCompleted), string(model.TaskFailed), string(model.TaskCancelled),
	)
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.KindUnavailable, "delete old tasks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.KindUnavailable, "rows affected")
	}
	return int(n), nil
}

const taskSelect = `SELECT id, project_id, kind, branch, archive_path, config_options,
	status, progress, error_message, error_kind, result, artifacts,
	created_at, started_at, completed_at FROM tasks`

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var archivePath, configJSON, errMsg, errKind, resultJSON, artifactsJSON sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	var kind, status string

	err := row.Scan(&t.ID, &t.ProjectID, &kind, &t.Branch, &archivePath, &configJSON,
		&status, &t.Progress, &errMsg, &errKind, &resultJSON, &artifactsJSON,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.KindNotFound, "task not found")
		}
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "scan task")
	}

	t.Kind = model.TaskKind(kind)
	t.Status = model.TaskStatus(status)
	t.ArchivePath = archivePath.String
	t.ErrorMessage = errMsg.String
	t.ErrorKind = errKind.String
	t.CreatedAt = time.Unix(createdAt, 0)

	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &t.ConfigOptions); err != nil {
			return nil, xerrors.Wrap(err, xerrors.KindInternal, "unmarshal config options")
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return nil, xerrors.Wrap(err, xerrors.KindInternal, "unmarshal result")
		}
	}
	if artifactsJSON.Valid && artifactsJSON.String != "" {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &t.Artifacts); err != nil {
			return nil, xerrors.Wrap(err, xerrors.KindInternal, "unmarshal artifacts")
		}
	}
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0)
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		t.CompletedAt = &ts
	}
	return &t, nil
}

func marshalNullable(v map[string]string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
