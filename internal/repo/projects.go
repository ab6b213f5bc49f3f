package repo

import (
	"context"
	"database/sql"
	"fmt"

	"metecho/internal/domain"
)

const projectColumns = `id,name,slug,description,repo_owner,repo_name,repo_id,branch_name,latest_sha,github_users_json,currently_fetching_github_users,created_at,updated_at,deleted_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var repoID sql.NullInt64
	var usersJSON, createdAt, updatedAt string
	var deletedAt sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Description, &p.RepoOwner, &p.RepoName, &repoID, &p.BranchName, &p.LatestSHA,
		&usersJSON, &p.CurrentlyFetchingGitHubUsers, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.RepoID = int64Ptr(repoID)
	if err := fromJSON(usersJSON, &p.GitHubUsers); err != nil {
		return p, err
	}
	if p.GitHubUsers == nil {
		p.GitHubUsers = []domain.GitHubUser{}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	p.DeletedAt, err = parseNullTime(deletedAt)
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	users, err := toJSON(nonNilUsers(p.GitHubUsers))
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Slug, p.Description, p.RepoOwner, p.RepoName, nullableInt64Ptr(p.RepoID), p.BranchName, p.LatestSHA,
		users, p.CurrentlyFetchingGitHubUsers, formatTime(p.CreatedAt), formatTime(p.UpdatedAt), nullableTime(p.DeletedAt))
	return err
}

// UpdateProject writes every mutable column of p.
func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	users, err := toJSON(nonNilUsers(p.GitHubUsers))
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE projects SET name=?, slug=?, description=?, repo_owner=?, repo_name=?, repo_id=?, branch_name=?, latest_sha=?, github_users_json=?, currently_fetching_github_users=?, updated_at=?, deleted_at=? WHERE id=?`,
		p.Name, p.Slug, p.Description, p.RepoOwner, p.RepoName, nullableInt64Ptr(p.RepoID), p.BranchName, p.LatestSHA,
		users, p.CurrentlyFetchingGitHubUsers, formatTime(p.UpdatedAt), nullableTime(p.DeletedAt), p.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r Repo) GetProject(ctx context.Context, id string, scope Scope) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id, scope)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string, scope Scope) (domain.Project, error) {
	return scanProject(r.conn(tx).QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id=? AND `+scope.clause("deleted_at"), id))
}

// GetProjectByRepoID resolves the project tracking a GitHub repository.
func (r Repo) GetProjectByRepoID(ctx context.Context, repoID int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE repo_id=? AND deleted_at IS NULL`, repoID))
}

func (r Repo) ListProjects(ctx context.Context, scope Scope) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE `+scope.clause("deleted_at")+` ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectSlugTaken reports whether an active project other than excludeID
// uses slug.
func (r Repo) ProjectSlugTaken(ctx context.Context, tx *sql.Tx, slug, excludeID string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE slug=? AND id<>? AND deleted_at IS NULL`, slug, excludeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check project slug: %w", err)
	}
	return n > 0, nil
}

func nonNilUsers(u []domain.GitHubUser) []domain.GitHubUser {
	if u == nil {
		return []domain.GitHubUser{}
	}
	return u
}
