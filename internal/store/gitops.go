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

type sqliteGitOps struct {
	s *SQLiteStore
}

func (r *sqliteGitOps) Create(ctx context.Context, op *model.GitOperation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var filesJSON any
	if len(op.FilesAffected) > 0 {
		data, err := json.Marshal(op.FilesAffected)
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindInternal, "marshal files affected")
		}
		filesJSON = string(data)
	}

	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO git_operations (id, project_id, kind, status, branch, pre_commit,
		                             post_commit, message, files_affected, snapshot_id,
		                             error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.ProjectID, string(op.Kind), string(op.Status), op.Branch, op.PreCommit,
		op.PostCommit, op.Message, filesJSON, op.SnapshotID, op.Error, op.CreatedAt.Unix(),
	)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "insert git operation")
	}
	return nil
}

func (r *sqliteGitOps) GetByID(ctx context.Context, id string) (*model.GitOperation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row := r.s.db.QueryRowContext(ctx, gitOpSelect+` WHERE id = ?`, id)
	return scanGitOp(row)
}

func (r *sqliteGitOps) UpdateStatus(ctx context.Context, id string, status model.GitOpStatus, postCommit, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	query := `UPDATE git_operations SET status = ?`
	args := []any{string(status)}

	if postCommit != "" {
		query += `, post_commit = ?`
		args = append(args, postCommit)
	}
	if errMsg != "" {
		query += `, error = ?`
		args = append(args, errMsg)
	}
	switch status {
	case model.GitOpCompleted, model.GitOpFailed, model.GitOpCancelled:
		query += `, completed_at = ?`
		args = append(args, time.Now().Unix())
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := r.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "update git operation")
	}
	return requireRow(res, "git operation", id)
}

func (r *sqliteGitOps) ListByProject(ctx context.Context, projectID string, filter GitOpFilter) ([]*model.GitOperation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	query := gitOpSelect + ` WHERE project_id = ?`
	args := []any{projectID}

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "query git operations")
	}
	defer rows.Close()

	var ops []*model.GitOperation
	for rows.Next() {
		op, err := scanGitOp(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "iterate git operations")
	}
	return ops, nil
}

const gitOpSelect = `SELECT id, project_id, kind, status, branch, pre_commit, post_commit,
	message, files_affected, snapshot_id, error, created_at, completed_at
	FROM git_operations`

func scanGitOp(row rowScanner) (*model.GitOperation, error) {
	var op model.GitOperation
	var kind, status string
	var branch, preCommit, postCommit, message, filesJSON, snapshotID, errMsg sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&op.ID, &op.ProjectID, &kind, &status, &branch, &preCommit, &postCommit,
		&message, &filesJSON, &snapshotID, &errMsg, &createdAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.KindNotFound, "git operation not found")
		}
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "scan git operation")
	}

	op.Kind = model.GitOpKind(kind)
	op.Status = model.GitOpStatus(status)
	op.Branch = branch.String
	op.PreCommit = preCommit.String
	op.PostCommit = postCommit.String
	op.Message = message.String
	op.SnapshotID = snapshotID.String
	op.Error = errMsg.String
	op.CreatedAt = time.Unix(createdAt, 0)

	if filesJSON.Valid && filesJSON.String != "" {
		if err := json.Unmarshal([]byte(filesJSON.String), &op.FilesAffected); err != nil {
			return nil, xerrors.Wrap(err, xerrors.KindInternal, "unmarshal files affected")
		}
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		op.CompletedAt = &ts
	}
	return &op, nil
}
