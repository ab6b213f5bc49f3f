package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"metecho/internal/domain"
)

const taskColumns = `id,project_id,epic_id,name,slug,description,status,branch_name,origin_sha,has_unmerged_commits,pr_number,pr_is_open,currently_creating_pr,currently_submitting_review,review_valid,review_sha,review_status,review_submitted_at,assigned_dev,assigned_qa,commits_json,reviewers_json,created_at,updated_at,deleted_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var epicID, reviewSubmittedAt, deletedAt sql.NullString
	var prNumber sql.NullInt64
	var commitsJSON, reviewersJSON, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &epicID, &t.Name, &t.Slug, &t.Description, &t.Status, &t.BranchName, &t.OriginSHA,
		&t.HasUnmergedCommits, &prNumber, &t.PRIsOpen, &t.CurrentlyCreatingPR, &t.CurrentlySubmittingReview, &t.ReviewValid,
		&t.ReviewSHA, &t.ReviewStatus, &reviewSubmittedAt, &t.AssignedDev, &t.AssignedQA, &commitsJSON, &reviewersJSON,
		&createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.EpicID = stringPtr(epicID)
	t.PRNumber = intPtr(prNumber)
	if err := fromJSON(commitsJSON, &t.Commits); err != nil {
		return t, err
	}
	if err := fromJSON(reviewersJSON, &t.Reviewers); err != nil {
		return t, err
	}
	if t.Commits == nil {
		t.Commits = []domain.Commit{}
	}
	if t.Reviewers == nil {
		t.Reviewers = []domain.Reviewer{}
	}
	if t.ReviewSubmittedAt, err = parseNullTime(reviewSubmittedAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	t.DeletedAt, err = parseNullTime(deletedAt)
	return t, err
}

func taskJSONColumns(t domain.Task) (string, string, error) {
	commits := t.Commits
	if commits == nil {
		commits = []domain.Commit{}
	}
	reviewers := t.Reviewers
	if reviewers == nil {
		reviewers = []domain.Reviewer{}
	}
	c, err := toJSON(commits)
	if err != nil {
		return "", "", err
	}
	r, err := toJSON(reviewers)
	if err != nil {
		return "", "", err
	}
	return c, r, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	commits, reviewers, err := taskJSONColumns(t)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.EpicID), t.Name, t.Slug, t.Description, string(t.Status), t.BranchName, t.OriginSHA,
		t.HasUnmergedCommits, nullableIntPtr(t.PRNumber), t.PRIsOpen, t.CurrentlyCreatingPR, t.CurrentlySubmittingReview, t.ReviewValid,
		t.ReviewSHA, string(t.ReviewStatus), nullableTime(t.ReviewSubmittedAt), t.AssignedDev, t.AssignedQA, commits, reviewers,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), nullableTime(t.DeletedAt))
	return err
}

// UpdateTask writes every mutable column of t.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	commits, reviewers, err := taskJSONColumns(t)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET epic_id=?, name=?, slug=?, description=?, status=?, branch_name=?, origin_sha=?, has_unmerged_commits=?, pr_number=?, pr_is_open=?, currently_creating_pr=?, currently_submitting_review=?, review_valid=?, review_sha=?, review_status=?, review_submitted_at=?, assigned_dev=?, assigned_qa=?, commits_json=?, reviewers_json=?, updated_at=?, deleted_at=? WHERE id=?`,
		nullableStringPtr(t.EpicID), t.Name, t.Slug, t.Description, string(t.Status), t.BranchName, t.OriginSHA, t.HasUnmergedCommits,
		nullableIntPtr(t.PRNumber), t.PRIsOpen, t.CurrentlyCreatingPR, t.CurrentlySubmittingReview, t.ReviewValid, t.ReviewSHA,
		string(t.ReviewStatus), nullableTime(t.ReviewSubmittedAt), t.AssignedDev, t.AssignedQA, commits, reviewers,
		formatTime(t.UpdatedAt), nullableTime(t.DeletedAt), t.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r Repo) GetTask(ctx context.Context, id string, scope Scope) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id, scope)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string, scope Scope) (domain.Task, error) {
	return scanTask(r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND `+scope.clause("deleted_at"), id))
}

type TaskFilters struct {
	ProjectID  string
	EpicID     string
	NoEpic     bool
	PRNumber   *int
	BranchName string
	Status     domain.TaskStatus
	Scope      Scope
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return r.ListTasksTx(ctx, nil, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{f.Scope.clause("deleted_at")}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.EpicID != "" {
		clauses = append(clauses, "epic_id=?")
		args = append(args, f.EpicID)
	}
	if f.NoEpic {
		clauses = append(clauses, "epic_id IS NULL")
	}
	if f.PRNumber != nil {
		clauses = append(clauses, "pr_number=?")
		args = append(args, *f.PRNumber)
	}
	if f.BranchName != "" {
		clauses = append(clauses, "branch_name=?")
		args = append(args, f.BranchName)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasks(ctx context.Context, epicID string, scope Scope) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE epic_id=? AND `+scope.clause("deleted_at"), epicID).Scan(&n)
	return n, err
}

// TaskSlugTaken reports whether a non-deleted sibling task already uses slug.
// Tasks directly under a project are siblings of each other.
func (r Repo) TaskSlugTaken(ctx context.Context, tx *sql.Tx, projectID string, epicID *string, slug, excludeID string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE project_id=? AND COALESCE(epic_id,'')=? AND slug=? AND id<>? AND deleted_at IS NULL`,
		projectID, derefString(epicID), slug, excludeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check task slug: %w", err)
	}
	return n > 0, nil
}

// SoftDeleteTaskCascade stamps deleted_at on the task and its scratch orgs.
func (r Repo) SoftDeleteTaskCascade(ctx context.Context, tx *sql.Tx, taskID string, at time.Time) (Cascade, error) {
	c := Cascade{TaskIDs: []string{taskID}}
	ts := formatTime(at)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, ts, ts, taskID)
	if err != nil {
		return c, fmt.Errorf("delete task: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return c, err
	}
	c.ScratchOrgIDs, err = collectIDs(ctx, tx, `SELECT id FROM scratch_orgs WHERE task_id=? AND deleted_at IS NULL`, taskID)
	if err != nil {
		return c, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE scratch_orgs SET deleted_at=?, updated_at=? WHERE task_id=? AND deleted_at IS NULL`, ts, ts, taskID); err != nil {
		return c, fmt.Errorf("delete task scratch orgs: %w", err)
	}
	return c, nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
