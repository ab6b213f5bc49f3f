package domain

import "time"

// PullRequestAction is the subset of GitHub pull_request actions that move
// workflow state.
type PullRequestAction string

const (
	PRClosed   PullRequestAction = "closed"
	PRReopened PullRequestAction = "reopened"
)

// AddReviewer appends r unless a reviewer with the same login is present.
// It reports whether the list changed.
func (t *Task) AddReviewer(r Reviewer) bool {
	for _, existing := range t.Reviewers {
		if existing.Login == r.Login {
			return false
		}
	}
	t.Reviewers = append(t.Reviewers, r)
	return true
}

// ApplyPullRequest applies a pull request event to the task and reports
// whether anything changed. Status only moves out of In progress, so a
// Completed or Canceled task never regresses; the open flag always follows
// the event.
func (t *Task) ApplyPullRequest(action PullRequestAction, merged bool) bool {
	before := *t
	switch action {
	case PRClosed:
		t.PRIsOpen = false
		if t.Status == TaskInProgress {
			if merged {
				t.Status = TaskCompleted
			} else {
				t.Status = TaskCanceled
			}
		}
	case PRReopened:
		t.PRIsOpen = true
		// reopening keeps In progress; nothing else moves back
	default:
		return false
	}
	return before.Status != t.Status || before.PRIsOpen != t.PRIsOpen
}

// HeadSHA returns the newest known commit on the task branch.
func (t Task) HeadSHA() string {
	if len(t.Commits) == 0 {
		return ""
	}
	return t.Commits[0].ID
}

// CommitAuthors returns the distinct authors of the task's commits, keyed by
// username when present and by email otherwise, in first-seen order.
func (t Task) CommitAuthors() []CommitAuthor {
	seen := make(map[string]struct{}, len(t.Commits))
	var out []CommitAuthor
	for _, c := range t.Commits {
		key := c.Author.Username
		if key == "" {
			key = c.Author.Email
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c.Author)
	}
	return out
}

// ReviewState names where a task sits in the review lifecycle.
type ReviewState string

const (
	ReviewNone    ReviewState = "none"
	ReviewPending ReviewState = "pending"
	ReviewValid   ReviewState = "valid"
	ReviewInvalid ReviewState = "invalid"
)

func (t Task) ReviewState() ReviewState {
	switch {
	case t.ReviewSHA == "":
		return ReviewNone
	case !t.ReviewValid:
		return ReviewInvalid
	case t.CurrentlySubmittingReview:
		return ReviewPending
	default:
		return ReviewValid
	}
}

// BeginReview records sha as the commit under review. The review is valid
// when sha is the branch head, or when no commits are known yet.
func (t *Task) BeginReview(sha string) {
	t.ReviewSHA = sha
	head := t.HeadSHA()
	t.ReviewValid = head == "" || head == sha
	t.CurrentlySubmittingReview = true
}

// CheckReview verifies that a review for sha may be submitted.
func (t Task) CheckReview(sha string) error {
	if t.ReviewValid && sha != "" && t.ReviewSHA == sha {
		return nil
	}
	return ReviewIntegrityError{TaskID: t.ID, RecordedSHA: t.ReviewSHA, ReviewSHA: sha, Valid: t.ReviewValid}
}

// CompleteReview stores an accepted review.
func (t *Task) CompleteReview(sha string, status ReviewStatus, at time.Time) {
	t.ReviewSHA = sha
	t.ReviewValid = true
	t.ReviewStatus = status
	t.ReviewSubmittedAt = &at
	t.CurrentlySubmittingReview = false
}

// ObserveHead invalidates a recorded review once the branch head moves past
// the reviewed commit.
func (t *Task) ObserveHead(head string) {
	if t.ReviewSHA != "" && head != "" && head != t.ReviewSHA {
		t.ReviewValid = false
	}
}
