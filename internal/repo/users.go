package repo

import (
	"context"
	"database/sql"
	"fmt"

	"metecho/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO users(id,username,email,devhub_username,allow_devhub_override,currently_fetching_repos,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Username, u.Email, u.DevhubUsername, u.AllowDevhubOverride, u.CurrentlyFetchingRepos, formatTime(u.CreatedAt))
	return err
}

func (r Repo) UpdateUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE users SET username=?, email=?, devhub_username=?, allow_devhub_override=?, currently_fetching_repos=? WHERE id=?`,
		u.Username, u.Email, u.DevhubUsername, u.AllowDevhubOverride, u.CurrentlyFetchingRepos, u.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// GetUser loads a user together with linked social accounts.
func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,username,email,devhub_username,allow_devhub_override,currently_fetching_repos,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.DevhubUsername, &u.AllowDevhubOverride, &u.CurrentlyFetchingRepos, &createdAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return u, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,provider,uid,extra_data_json,token,token_secret FROM social_accounts WHERE user_id=? ORDER BY provider`, id)
	if err != nil {
		return u, err
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.SocialAccount
		var extra string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Provider, &a.UID, &extra, &a.Token, &a.TokenSecret); err != nil {
			return u, err
		}
		if err := fromJSON(extra, &a.ExtraData); err != nil {
			return u, err
		}
		u.SocialAccounts = append(u.SocialAccounts, a)
	}
	return u, rows.Err()
}

// UpsertSocialAccount links or refreshes one provider account for a user.
func (r Repo) UpsertSocialAccount(ctx context.Context, tx *sql.Tx, a domain.SocialAccount) error {
	extra := a.ExtraData
	if extra == nil {
		extra = map[string]any{}
	}
	data, err := toJSON(extra)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO social_accounts(id,user_id,provider,uid,extra_data_json,token,token_secret) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(user_id,provider) DO UPDATE SET uid=excluded.uid, extra_data_json=excluded.extra_data_json, token=excluded.token, token_secret=excluded.token_secret`,
		a.ID, a.UserID, string(a.Provider), a.UID, data, a.Token, a.TokenSecret)
	return err
}

// ReplaceGitHubRepositories swaps the user's repository list for repos.
func (r Repo) ReplaceGitHubRepositories(ctx context.Context, tx *sql.Tx, userID string, repos []domain.GitHubRepository) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM github_repositories WHERE user_id=?`, userID); err != nil {
		return fmt.Errorf("clear repositories: %w", err)
	}
	for _, gr := range repos {
		perms := gr.Permissions
		if perms == nil {
			perms = map[string]any{}
		}
		data, err := toJSON(perms)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO github_repositories(id,user_id,repo_id,repo_url,permissions_json) VALUES (?,?,?,?,?)`,
			gr.ID, userID, gr.RepoID, gr.RepoURL, data); err != nil {
			return fmt.Errorf("insert repository %d: %w", gr.RepoID, err)
		}
	}
	return nil
}

func (r Repo) ListGitHubRepositories(ctx context.Context, userID string) ([]domain.GitHubRepository, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,repo_id,repo_url,permissions_json FROM github_repositories WHERE user_id=? ORDER BY repo_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GitHubRepository
	for rows.Next() {
		var gr domain.GitHubRepository
		var perms string
		if err := rows.Scan(&gr.ID, &gr.UserID, &gr.RepoID, &gr.RepoURL, &perms); err != nil {
			return nil, err
		}
		if err := fromJSON(perms, &gr.Permissions); err != nil {
			return nil, err
		}
		res = append(res, gr)
	}
	return res, rows.Err()
}
