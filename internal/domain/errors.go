package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParent  = errors.New("invalid scratch org parent")
	ErrInvalidOrgType = errors.New("invalid scratch org type")
	ErrNameRequired   = errors.New("name is required")
	ErrPRNotOpen      = errors.New("pull request is not open")
	ErrAlreadyQueued  = errors.New("operation already in progress")
	ErrInvalidReview  = errors.New("invalid review status")
)

// ReviewIntegrityError is returned when a review targets a commit other than
// the one the task's review state was recorded against.
type ReviewIntegrityError struct {
	TaskID      string
	RecordedSHA string
	ReviewSHA   string
	Valid       bool
}

func (e ReviewIntegrityError) Error() string {
	if !e.Valid {
		return fmt.Sprintf("cannot submit review for out-of-date task %s", e.TaskID)
	}
	return fmt.Sprintf("cannot submit review for task %s: review is for %q but task is at %q", e.TaskID, e.ReviewSHA, e.RecordedSHA)
}
