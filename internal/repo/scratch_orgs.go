package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"metecho/internal/domain"
)

const scratchOrgColumns = `id,org_type,project_id,epic_id,task_id,owner_id,description,config_json,unsaved_changes_json,latest_revision_numbers_json,last_checked_unsaved_changes_at,latest_commit,url,expires_at,currently_refreshing_changes,delete_queued_at,created_at,updated_at,deleted_at`

func scanScratchOrg(row rowScanner) (domain.ScratchOrg, error) {
	var o domain.ScratchOrg
	var projectID, epicID, taskID, ownerID sql.NullString
	var lastChecked, expiresAt, deleteQueuedAt, deletedAt sql.NullString
	var configJSON, changesJSON, revisionsJSON, createdAt, updatedAt string
	err := row.Scan(&o.ID, &o.OrgType, &projectID, &epicID, &taskID, &ownerID, &o.Description, &configJSON, &changesJSON, &revisionsJSON,
		&lastChecked, &o.LatestCommit, &o.URL, &expiresAt, &o.CurrentlyRefreshingChanges, &deleteQueuedAt, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.ProjectID = stringPtr(projectID)
	o.EpicID = stringPtr(epicID)
	o.TaskID = stringPtr(taskID)
	o.OwnerID = stringPtr(ownerID)
	o.Config = map[string]any{}
	o.UnsavedChanges = domain.UnsavedChanges{}
	o.LatestRevisionNumbers = domain.RevisionNumbers{}
	if err := fromJSON(configJSON, &o.Config); err != nil {
		return o, err
	}
	if err := fromJSON(changesJSON, &o.UnsavedChanges); err != nil {
		return o, err
	}
	if err := fromJSON(revisionsJSON, &o.LatestRevisionNumbers); err != nil {
		return o, err
	}
	for _, ts := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{lastChecked, &o.LastCheckedUnsavedChangesAt},
		{expiresAt, &o.ExpiresAt},
		{deleteQueuedAt, &o.DeleteQueuedAt},
		{deletedAt, &o.DeletedAt},
	} {
		if *ts.dst, err = parseNullTime(ts.src); err != nil {
			return o, err
		}
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return o, err
	}
	o.UpdatedAt, err = parseTime(updatedAt)
	return o, err
}

type scratchOrgJSON struct {
	config, changes, revisions string
}

// prepareScratchOrg scrubs the config and validates ownership before any
// write.
func prepareScratchOrg(o *domain.ScratchOrg) (scratchOrgJSON, error) {
	var out scratchOrgJSON
	o.CleanConfig()
	if err := o.Validate(); err != nil {
		return out, err
	}
	changes := o.UnsavedChanges
	if changes == nil {
		changes = domain.UnsavedChanges{}
	}
	revisions := o.LatestRevisionNumbers
	if revisions == nil {
		revisions = domain.RevisionNumbers{}
	}
	var err error
	if out.config, err = toJSON(o.Config); err != nil {
		return out, err
	}
	if out.changes, err = toJSON(changes); err != nil {
		return out, err
	}
	out.revisions, err = toJSON(revisions)
	return out, err
}

func (r Repo) InsertScratchOrg(ctx context.Context, tx *sql.Tx, o domain.ScratchOrg) error {
	j, err := prepareScratchOrg(&o)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO scratch_orgs(`+scratchOrgColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, string(o.OrgType), nullableStringPtr(o.ProjectID), nullableStringPtr(o.EpicID), nullableStringPtr(o.TaskID), nullableStringPtr(o.OwnerID),
		o.Description, j.config, j.changes, j.revisions, nullableTime(o.LastCheckedUnsavedChangesAt), o.LatestCommit, o.URL,
		nullableTime(o.ExpiresAt), o.CurrentlyRefreshingChanges, nullableTime(o.DeleteQueuedAt),
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt), nullableTime(o.DeletedAt))
	return err
}

// UpdateScratchOrg writes every mutable column of o. The access token is
// stripped from the config on every save.
func (r Repo) UpdateScratchOrg(ctx context.Context, tx *sql.Tx, o domain.ScratchOrg) error {
	j, err := prepareScratchOrg(&o)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE scratch_orgs SET org_type=?, project_id=?, epic_id=?, task_id=?, owner_id=?, description=?, config_json=?, unsaved_changes_json=?, latest_revision_numbers_json=?, last_checked_unsaved_changes_at=?, latest_commit=?, url=?, expires_at=?, currently_refreshing_changes=?, delete_queued_at=?, updated_at=?, deleted_at=? WHERE id=?`,
		string(o.OrgType), nullableStringPtr(o.ProjectID), nullableStringPtr(o.EpicID), nullableStringPtr(o.TaskID), nullableStringPtr(o.OwnerID),
		o.Description, j.config, j.changes, j.revisions, nullableTime(o.LastCheckedUnsavedChangesAt), o.LatestCommit, o.URL,
		nullableTime(o.ExpiresAt), o.CurrentlyRefreshingChanges, nullableTime(o.DeleteQueuedAt), formatTime(o.UpdatedAt), nullableTime(o.DeletedAt), o.ID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r Repo) GetScratchOrg(ctx context.Context, id string, scope Scope) (domain.ScratchOrg, error) {
	return r.GetScratchOrgTx(ctx, nil, id, scope)
}

func (r Repo) GetScratchOrgTx(ctx context.Context, tx *sql.Tx, id string, scope Scope) (domain.ScratchOrg, error) {
	return scanScratchOrg(r.conn(tx).QueryRowContext(ctx, `SELECT `+scratchOrgColumns+` FROM scratch_orgs WHERE id=? AND `+scope.clause("deleted_at"), id))
}

type ScratchOrgFilters struct {
	ProjectID string
	EpicID    string
	TaskID    string
	OrgType   domain.OrgType
	Scope     Scope
}

func (r Repo) ListScratchOrgs(ctx context.Context, f ScratchOrgFilters) ([]domain.ScratchOrg, error) {
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
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.OrgType != "" {
		clauses = append(clauses, "org_type=?")
		args = append(args, string(f.OrgType))
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scratchOrgColumns+` FROM scratch_orgs WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScratchOrg
	for rows.Next() {
		o, err := scanScratchOrg(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) SoftDeleteScratchOrg(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	ts := formatTime(at)
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE scratch_orgs SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("delete scratch org: %w", err)
	}
	return checkAffected(res)
}
