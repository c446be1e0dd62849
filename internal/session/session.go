package session

import (
	"context"

	"render-queue/internal/models"
)

// GenerateRequest is the payload handed to a live session for one job.
type GenerateRequest struct {
	JobID          string             `json:"job_id"`
	Prompt         string             `json:"prompt"`
	NegativePrompt string             `json:"negative_prompt,omitempty"`
	Configuration  []byte             `json:"configuration,omitempty"`
	Input          models.InputImages `json:"input"`
}

// Event is one element of a generation stream. A stream is a sequence of
// progress events terminated by exactly one event with either Images or Err
// set, after which the channel is closed.
type Event struct {
	Progress *models.Progress
	Images   [][]byte
	Err      error
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Images != nil || e.Err != nil
}

// Session is a live handle to one connected generation server. It is owned
// by the connection manager; the queue engine only borrows it for the
// duration of a single Generate call.
type Session interface {
	// Probe performs a liveness check and returns the server's capability
	// metadata.
	Probe(ctx context.Context) (models.Catalog, error)
	// Generate starts one render and returns its event stream. The stream is
	// closed after the terminal event. Cancelling ctx aborts the stream.
	Generate(ctx context.Context, req GenerateRequest) (<-chan Event, error)
	// CancelCurrent asks the server to interrupt the render in flight.
	CancelCurrent(ctx context.Context) error
	// Close releases the underlying transport.
	Close() error
}

// Dialer opens sessions. The connection manager is its only caller.
type Dialer interface {
	Dial(ctx context.Context, address string, useTLS bool) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string, useTLS bool) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, address string, useTLS bool) (Session, error) {
	return f(ctx, address, useTLS)
}
