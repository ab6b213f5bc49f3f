package domain

import (
	"fmt"
	"time"
)

// accessTokenKey is never persisted with an org's config.
const accessTokenKey = "access_token"

// CleanConfig drops secrets from the org config. Called on every save.
func (o *ScratchOrg) CleanConfig() {
	if o.Config == nil {
		o.Config = map[string]any{}
		return
	}
	delete(o.Config, accessTokenKey)
}

// Parent returns the kind and id of the single owning entity.
func (o ScratchOrg) Parent() (kind, id string) {
	switch {
	case o.TaskID != nil:
		return "task", *o.TaskID
	case o.EpicID != nil:
		return "epic", *o.EpicID
	case o.ProjectID != nil:
		return "project", *o.ProjectID
	}
	return "", ""
}

// Validate enforces the ownership rules: exactly one parent, and Dev orgs
// never belong to an Epic.
func (o ScratchOrg) Validate() error {
	n := 0
	for _, p := range []*string{o.ProjectID, o.EpicID, o.TaskID} {
		if p != nil && *p != "" {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: scratch org must belong to exactly one of project, epic or task (got %d)", ErrInvalidParent, n)
	}
	switch o.OrgType {
	case OrgDev, OrgQA, OrgPlayground:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOrgType, o.OrgType)
	}
	if o.EpicID != nil && o.OrgType == OrgDev {
		return fmt.Errorf("%w: epic orgs cannot be %s orgs", ErrInvalidOrgType, OrgDev)
	}
	return nil
}

// RecentlyChecked reports whether unsaved changes were checked within window.
func (o ScratchOrg) RecentlyChecked(now time.Time, window time.Duration) bool {
	if o.LastCheckedUnsavedChangesAt == nil || window <= 0 {
		return false
	}
	return now.Sub(*o.LastCheckedUnsavedChangesAt) < window
}

// InstanceURL is the org's API host recorded at provisioning time.
func (o ScratchOrg) InstanceURL() string {
	v, _ := o.Config["instance_url"].(string)
	return v
}

// OrgID is the Salesforce id of the org.
func (o ScratchOrg) OrgID() string {
	v, _ := o.Config["org_id"].(string)
	return v
}
