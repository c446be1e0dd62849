package store

import (
	"context"

	"render-queue/internal/models"
)

// QueueStore persists the whole ordered job collection. Save replaces the
// previous contents atomically; Load tolerates absence by returning an empty
// slice. Implementations serialize writes internally so rapid mutations never
// interleave partial state.
type QueueStore interface {
	Load(ctx context.Context) ([]models.Job, error)
	Save(ctx context.Context, jobs []models.Job) error
}

// ProfileStore persists the whole ordered profile set with the same
// whole-replace semantics as QueueStore.
type ProfileStore interface {
	Load(ctx context.Context) ([]models.Profile, error)
	Save(ctx context.Context, profiles []models.Profile) error
}
