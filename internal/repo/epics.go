package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"metecho/internal/domain"
)

const epicColumns = `id,project_id,name,slug,description,status,branch_name,latest_sha,has_unmerged_commits,pr_number,pr_is_open,pr_is_merged,currently_creating_pr,created_at,updated_at,deleted_at`

func scanEpic(row rowScanner) (domain.Epic, error) {
	var e domain.Epic
	var prNumber sql.NullInt64
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Slug, &e.Description, &e.Status, &e.BranchName, &e.LatestSHA, &e.HasUnmergedCommits,
		&prNumber, &e.PRIsOpen, &e.PRIsMerged, &e.CurrentlyCreatingPR, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.PRNumber = intPtr(prNumber)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, err
	}
	e.DeletedAt, err = parseNullTime(deletedAt)
	return e, err
}

func (r Repo) InsertEpic(ctx context.Context, tx *sql.Tx, e domain.Epic) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO epics(`+epicColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.Name, e.Slug, e.Description, string(e.Status), e.BranchName, e.LatestSHA, e.HasUnmergedCommits,
		nullableIntPtr(e.PRNumber), e.PRIsOpen, e.PRIsMerged, e.CurrentlyCreatingPR, formatTime(e.CreatedAt), formatTime(e.UpdatedAt), nullableTime(e.DeletedAt))
	return err
}

// UpdateEpic writes every mutable column of e.
func (r Repo) UpdateEpic(ctx context.Context, tx *sql.Tx, e domain.Epic) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE epics SET name=?, slug=?, description=?, status=?, branch_name=?, latest_sha=?, has_unmerged_commits=?, pr_number=?, pr_is_open=?, pr_is_merged=?, currently_creating_pr=?, updated_at=?, deleted_at=? WHERE id=?`,
		e.Name, e.Slug, e.Description, string(e.Status), e.BranchName, e.LatestSHA, e.HasUnmergedCommits, nullableIntPtr(e.PRNumber),
		e.PRIsOpen, e.PRIsMerged, e.CurrentlyCreatingPR, formatTime(e.UpdatedAt), nullableTime(e.DeletedAt), e.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r Repo) GetEpic(ctx context.Context, id string, scope Scope) (domain.Epic, error) {
	return r.GetEpicTx(ctx, nil, id, scope)
}

func (r Repo) GetEpicTx(ctx context.Context, tx *sql.Tx, id string, scope Scope) (domain.Epic, error) {
	return scanEpic(r.conn(tx).QueryRowContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE id=? AND `+scope.clause("deleted_at"), id))
}

type EpicFilters struct {
	ProjectID  string
	PRNumber   *int
	BranchName string
	Scope      Scope
}

func (r Repo) ListEpics(ctx context.Context, f EpicFilters) ([]domain.Epic, error) {
	return r.ListEpicsTx(ctx, nil, f)
}

func (r Repo) ListEpicsTx(ctx context.Context, tx *sql.Tx, f EpicFilters) ([]domain.Epic, error) {
	clauses := []string{f.Scope.clause("deleted_at")}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.PRNumber != nil {
		clauses = append(clauses, "pr_number=?")
		args = append(args, *f.PRNumber)
	}
	if f.BranchName != "" {
		clauses = append(clauses, "branch_name=?")
		args = append(args, f.BranchName)
	}
	query := `SELECT ` + epicColumns + ` FROM epics WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Epic
	for rows.Next() {
		e, err := scanEpic(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountEpics(ctx context.Context, projectID string, scope Scope) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM epics WHERE project_id=? AND `+scope.clause("deleted_at"), projectID).Scan(&n)
	return n, err
}

// EpicSlugTaken reports whether a non-deleted epic of the project other than
// excludeID already uses slug.
func (r Repo) EpicSlugTaken(ctx context.Context, tx *sql.Tx, projectID, slug, excludeID string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM epics WHERE project_id=? AND slug=? AND id<>? AND deleted_at IS NULL`,
		projectID, slug, excludeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check epic slug: %w", err)
	}
	return n > 0, nil
}

// SoftDeleteEpicCascade stamps deleted_at on the epic, its tasks and every
// scratch org owned by the epic or one of those tasks. It returns the ids of
// the rows it touched so callers can notify.
func (r Repo) SoftDeleteEpicCascade(ctx context.Context, tx *sql.Tx, epicID string, at time.Time) (Cascade, error) {
	c := Cascade{EpicIDs: []string{epicID}}
	ts := formatTime(at)
	res, err := tx.ExecContext(ctx, `UPDATE epics SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, ts, ts, epicID)
	if err != nil {
		return c, fmt.Errorf("delete epic: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return c, err
	}
	c.TaskIDs, err = collectIDs(ctx, tx, `SELECT id FROM tasks WHERE epic_id=? AND deleted_at IS NULL`, epicID)
	if err != nil {
		return c, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET deleted_at=?, updated_at=? WHERE epic_id=? AND deleted_at IS NULL`, ts, ts, epicID); err != nil {
		return c, fmt.Errorf("delete epic tasks: %w", err)
	}
	c.ScratchOrgIDs, err = collectIDs(ctx, tx, `SELECT id FROM scratch_orgs WHERE deleted_at IS NULL AND (epic_id=? OR task_id IN (SELECT id FROM tasks WHERE epic_id=?))`, epicID, epicID)
	if err != nil {
		return c, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE scratch_orgs SET deleted_at=?, updated_at=? WHERE deleted_at IS NULL AND (epic_id=? OR task_id IN (SELECT id FROM tasks WHERE epic_id=?))`,
		ts, ts, epicID, epicID); err != nil {
		return c, fmt.Errorf("delete epic scratch orgs: %w", err)
	}
	return c, nil
}

// Cascade lists the rows affected by a cascading soft delete.
type Cascade struct {
	EpicIDs       []string `json:"epic_ids,omitempty"`
	TaskIDs       []string `json:"task_ids,omitempty"`
	ScratchOrgIDs []string `json:"scratch_org_ids,omitempty"`
}

func collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
