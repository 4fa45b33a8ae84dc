package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/xerrors"
)

type sqliteProjects struct {
	s *SQLiteStore
}

func (r *sqliteProjects) Create(ctx context.Context, p *model.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, description, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.Description, boolToInt(p.Active),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return xerrors.Wrap(err, xerrors.KindConflict, fmt.Sprintf("project name %q already registered", p.Name))
		}
		return xerrors.Wrap(err, xerrors.KindUnavailable, "insert project")
	}
	return nil
}

func (r *sqliteProjects) GetByID(ctx context.Context, id string) (*model.Project, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row := r.s.db.QueryRowContext(ctx,
		`SELECT id, name, path, description, active, created_at, updated_at
		 FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func (r *sqliteProjects) GetByName(ctx context.Context, name string) (*model.Project, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row := r.s.db.QueryRowContext(ctx,
		`SELECT id, name, path, description, active, created_at, updated_at
		 FROM projects WHERE name = ?`, name)
	return scanProject(row)
}

func (r *sqliteProjects) ListActive(ctx context.Context) ([]*model.Project, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT id, name, path, description, active, created_at, updated_at
		 FROM projects WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "query projects")
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "iterate projects")
	}
	return projects, nil
}

func (r *sqliteProjects) Update(ctx context.Context, p *model.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, path = ?, description = ?, active = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Path, p.Description, boolToInt(p.Active), time.Now().Unix(), p.ID,
	)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "update project")
	}
	return requireRow(res, "project", p.ID)
}

func (r *sqliteProjects) SoftDelete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.ExecContext(ctx,
		`UPDATE projects SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "soft delete project")
	}
	return requireRow(res, "project", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var active int
	var createdAt, updatedAt int64
	var description sql.NullString

	err := row.Scan(&p.ID, &p.Name, &p.Path, &description, &active, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.KindNotFound, "project not found")
		}
		return nil, xerrors.Wrap(err, xerrors.KindUnavailable, "scan project")
	}

	p.Description = description.String
	p.Active = active != 0
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindUnavailable, "rows affected")
	}
	if n == 0 {
		return xerrors.Newf(xerrors.KindNotFound, "%s %s not found", entity, id)
	}
	return nil
}
