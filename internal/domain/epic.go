package domain

// ApplyPullRequest updates the epic's pull request flags. A merged close also
// marks the epic Merged.
func (e *Epic) ApplyPullRequest(action PullRequestAction, merged bool) bool {
	before := *e
	switch action {
	case PRClosed:
		e.PRIsOpen = false
		if merged {
			e.PRIsMerged = true
			e.HasUnmergedCommits = false
			e.Status = EpicMerged
		}
	case PRReopened:
		e.PRIsOpen = true
	default:
		return false
	}
	return before.PRIsOpen != e.PRIsOpen || before.PRIsMerged != e.PRIsMerged ||
		before.Status != e.Status || before.HasUnmergedCommits != e.HasUnmergedCommits
}

// DeriveStatus computes the epic status implied by its tasks.
//
//   - a merged pull request wins: Merged
//   - every live task Completed (at least one): Review
//   - any task started or finished: In progress
//   - otherwise Planned
func (e Epic) DeriveStatus(tasks []Task) EpicStatus {
	if e.PRIsMerged || e.Status == EpicMerged {
		return EpicMerged
	}
	var live, completed, started int
	for _, t := range tasks {
		if t.DeletedAt != nil || t.Status == TaskCanceled {
			continue
		}
		live++
		switch t.Status {
		case TaskCompleted:
			completed++
			started++
		case TaskInProgress:
			started++
		}
	}
	switch {
	case live > 0 && completed == live:
		return EpicReview
	case started > 0:
		return EpicInProgress
	default:
		return EpicPlanned
	}
}

// ShouldUpdateStatus reports whether DeriveStatus disagrees with the stored
// status.
func (e Epic) ShouldUpdateStatus(tasks []Task) bool {
	return e.DeriveStatus(tasks) != e.Status
}
