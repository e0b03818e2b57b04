package domain

import "context"

// JobRepository is the persistence contract for video jobs. The pipeline only
// ever creates, reads and updates records; deletion is not part of the design.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	ListByOwner(ctx context.Context, ownerID string, status JobStatus) ([]Job, error)
	// Update persists the job's mutable runtime state. Progress writes must be
	// monotone: an update never lowers the stored progress value.
	Update(ctx context.Context, job *Job) error
}
