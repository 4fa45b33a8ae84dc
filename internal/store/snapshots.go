package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/xerrors"
)

type sqliteSnapshots struct {
	s *SQLiteStore
}

func (r *sqliteSnapshots) Create(ctx context.Context, sn *model.Snapshot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, project_id, kind, source_branch, source_commit,
		                        storage_path, stash_ref, active, operation_id,
		                        created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.ProjectID, string(sn.Kind), sn.SourceBranch, sn.SourceCommit,
		sn.StoragePath, sn.StashRef, boolToInt(sn.Active), sn.OperationID,
		sn.CreatedAt.Unix(), sn.ExpiresAt.Unix(),
	)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "insert snapshot")
	}
	return nil
}

func (r *sqliteSnapshots) GetByID(ctx context.Context, id string) (*model.Snapshot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row := r.s.db.QueryRowContext(ctx, snapshotSelect+` WHERE id = ?`, id)
	return scanSnapshot(row)
}

func (r *sqliteSnapshots) ListActiveByProject(ctx context.Context, projectID string) ([]*model.Snapshot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx,
		snapshotSelect+` WHERE project_id = ? AND active = 1 ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "query snapshots")
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

func (r *sqliteSnapshots) MarkInactive(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.ExecContext(ctx, `UPDATE snapshots SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "mark snapshot inactive")
	}
	return requireRow(res, "snapshot", id)
}

// ExtendExpiry pushes a snapshot's expiry out, used to preserve snapshots
// past their TTL after a failed restore.
func (r *sqliteSnapshots) ExtendExpiry(ctx context.Context, id string, until time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.ExecContext(ctx, `UPDATE snapshots SET expires_at = ? WHERE id = ?`,
		until.Unix(), id)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "extend snapshot expiry")
	}
	return requireRow(res, "snapshot", id)
}

func (r *sqliteSnapshots) ListExpired(ctx context.Context, now time.Time) ([]*model.Snapshot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx,
		snapshotSelect+` WHERE active = 1 AND expires_at < ?`, now.Unix())
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "query expired snapshots")
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

const snapshotSelect = `SELECT id, project_id, kind, source_branch, source_commit,
	storage_path, stash_ref, active, operation_id, created_at, expires_at
	FROM snapshots`

func scanSnapshot(row rowScanner) (*model.Snapshot, error) {
	var sn model.Snapshot
	var kind string
	var sourceBranch, sourceCommit, stashRef, operationID sql.NullString
	var active int
	var createdAt, expiresAt int64

	err := row.Scan(&sn.ID, &sn.ProjectID, &kind, &sourceBranch, &sourceCommit,
		&sn.StoragePath, &stashRef, &active, &operationID, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.KindSnapshotMissing, "snapshot not found")
		}
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "scan snapshot")
	}

	sn.Kind = model.SnapshotKind(kind)
	sn.SourceBranch = sourceBranch.String
	sn.SourceCommit = sourceCommit.String
	sn.StashRef = stashRef.String
	sn.OperationID = operationID.String
	sn.Active = active != 0
	sn.CreatedAt = time.Unix(createdAt, 0)
	sn.ExpiresAt = time.Unix(expiresAt, 0)
	return &sn, nil
}

func collectSnapshots(rows *sql.Rows) ([]*model.Snapshot, error) {
	var snapshots []*model.Snapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "iterate snapshots")
	}
	return snapshots, nil
}
