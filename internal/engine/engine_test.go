package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"render-queue/internal/artifact"
	"render-queue/internal/models"
	"render-queue/internal/session"

	"github.com/rs/zerolog"
)

// memStore is an in-memory QueueStore tracking every save.
type memStore struct {
	mu      sync.Mutex
	initial []models.Job
	saved   [][]models.Job
}

func (s *memStore) Load(context.Context) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Job(nil), s.initial...), nil
}

func (s *memStore) Save(_ context.Context, jobs []models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, jobs)
	return nil
}

func (s *memStore) last() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil
	}
	return s.saved[len(s.saved)-1]
}

// fakeSource hands out a swappable session.
type fakeSource struct {
	mu   sync.Mutex
	sess session.Session
}

func (f *fakeSource) Current() session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess
}

func (f *fakeSource) set(s session.Session) {
	f.mu.Lock()
	f.sess = s
	f.mu.Unlock()
}

// fakeSession scripts stream behavior off the request prompt:
// "fail ..." fails, "block ..." waits for release or cancel, anything else
// emits two progress events and succeeds.
type fakeSession struct {
	mu        sync.Mutex
	generated []string
	cancelled bool

	release  chan struct{}
	cancelCh chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		release:  make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

func (s *fakeSession) Probe(context.Context) (models.Catalog, error) {
	return models.Catalog{Models: []string{"test-model"}}, nil
}

func (s *fakeSession) Generate(ctx context.Context, req session.GenerateRequest) (<-chan session.Event, error) {
	s.mu.Lock()
	s.generated = append(s.generated, req.JobID)
	s.mu.Unlock()

	ch := make(chan session.Event)
	go func() {
		defer close(ch)
		for i := 1; i <= 2; i++ {
			ev := session.Event{Progress: &models.Progress{CurrentStep: i, TotalSteps: 2}}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		switch {
		case len(req.Prompt) >= 4 && req.Prompt[:4] == "fail":
			select {
			case ch <- session.Event{Err: errors.New("render exploded")}:
			case <-ctx.Done():
			}
		case len(req.Prompt) >= 5 && req.Prompt[:5] == "block":
			select {
			case <-s.release:
				select {
				case ch <- session.Event{Images: [][]byte{[]byte("image-data")}}:
				case <-ctx.Done():
				}
			case <-s.cancelCh:
				// Server acknowledged the cancel: stream ends without a
				// terminal frame.
			case <-ctx.Done():
			}
		default:
			select {
			case ch <- session.Event{Images: [][]byte{[]byte("image-data")}}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (s *fakeSession) CancelCurrent(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.cancelled = true
		close(s.cancelCh)
	}
	return nil
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) generatedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.generated...)
}

func newTestEngine(t *testing.T, st *memStore, src *fakeSource) (*Engine, context.CancelFunc) {
	t.Helper()
	if st == nil {
		st = &memStore{}
	}
	eng := New(context.Background(), Options{
		Store:      st,
		Sessions:   src,
		Artifacts:  artifact.NewMemSink(),
		Logger:     zerolog.Nop(),
		CancelWait: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = eng.Run(ctx) }()
	t.Cleanup(cancel)
	return eng, cancel
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func submit(t *testing.T, eng *Engine, prompt string) models.Job {
	t.Helper()
	job, err := eng.Submit(context.Background(), SubmitRequest{
		Prompt:        prompt,
		Configuration: []byte(`{"steps":20}`),
	})
	if err != nil {
		t.Fatalf("submit %q: %v", prompt, err)
	}
	return job
}

func jobStatus(eng *Engine, id string) string {
	if j, ok := eng.Job(id); ok {
		return j.Status
	}
	return ""
}

func TestSubmitValidation(t *testing.T) {
	eng, _ := newTestEngine(t, nil, &fakeSource{})

	_, err := eng.Submit(context.Background(), SubmitRequest{Configuration: []byte(`{}`)})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing prompt, got %v", err)
	}
	_, err = eng.Submit(context.Background(), SubmitRequest{Prompt: "a cat"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing configuration, got %v", err)
	}
	if !eng.IsEmpty() {
		t.Fatal("rejected submissions must not enter the queue")
	}
}

func TestJobsSitPendingWhileDisconnected(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)

	job := submit(t, eng, "a cat")
	waitFor(t, "no-connection error", func() bool { return eng.LastError() == NoConnectionMessage })

	time.Sleep(50 * time.Millisecond)
	if got := jobStatus(eng, job.ID); got != models.StatusPending {
		t.Fatalf("job should stay pending without a session, got %s", got)
	}
}

func TestProcessesInSubmissionOrder(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)

	// Track the single-slot invariant across every published snapshot.
	var mu sync.Mutex
	violated := false
	eng.Subscribe(func(snap Snapshot) {
		n := 0
		for _, j := range snap.Jobs {
			if j.Status == models.StatusProcessing {
				n++
			}
		}
		if n > 1 {
			mu.Lock()
			violated = true
			mu.Unlock()
		}
	})

	a := submit(t, eng, "a cat")
	b := submit(t, eng, "a dog")
	c := submit(t, eng, "a fish")

	sess := newFakeSession()
	src.set(sess)
	eng.Kick()

	waitFor(t, "all jobs completed", func() bool {
		return jobStatus(eng, a.ID) == models.StatusCompleted &&
			jobStatus(eng, b.ID) == models.StatusCompleted &&
			jobStatus(eng, c.ID) == models.StatusCompleted
	})

	got := sess.generatedIDs()
	want := []string{a.ID, b.ID, c.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processing order %v, want %v", got, want)
		}
	}

	done, _ := eng.Job(a.ID)
	if len(done.ResultImages) < 1 {
		t.Fatalf("completed job must carry result images, got %d", len(done.ResultImages))
	}
	if done.CompletedAt == nil || done.StartedAt == nil {
		t.Fatal("completed job must carry timestamps")
	}
	if done.Progress != nil {
		t.Fatal("progress must be discarded on terminal transition")
	}

	mu.Lock()
	defer mu.Unlock()
	if violated {
		t.Fatal("more than one job observed processing at once")
	}
}

func TestFailureKeepsQueueMoving(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)
	src.set(newFakeSession())

	bad := submit(t, eng, "fail: melted sampler")
	good := submit(t, eng, "a cat")

	waitFor(t, "failed then completed", func() bool {
		return jobStatus(eng, bad.ID) == models.StatusFailed &&
			jobStatus(eng, good.ID) == models.StatusCompleted
	})

	failed, _ := eng.Job(bad.ID)
	if failed.ErrorMessage != "render exploded" {
		t.Fatalf("unexpected error message %q", failed.ErrorMessage)
	}
}

func TestRetryBound(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)
	src.set(newFakeSession())

	job := submit(t, eng, "fail: always")
	waitFor(t, "initial failure", func() bool { return jobStatus(eng, job.ID) == models.StatusFailed })

	for i := 1; i <= models.MaxRetries; i++ {
		if err := eng.Retry(context.Background(), job.ID); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		n := i
		waitFor(t, "refailure", func() bool {
			j, _ := eng.Job(job.ID)
			return j.Status == models.StatusFailed && j.RetryCount == n
		})
	}

	if err := eng.Retry(context.Background(), job.ID); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected retry exhausted after %d retries, got %v", models.MaxRetries, err)
	}
}

func TestRetryOnlyFailedJobs(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)
	src.set(newFakeSession())

	job := submit(t, eng, "a cat")
	waitFor(t, "completion", func() bool { return jobStatus(eng, job.ID) == models.StatusCompleted })

	if err := eng.Retry(context.Background(), job.ID); !errors.Is(err, ErrRetryNotAllowed) {
		t.Fatalf("expected retry rejection for completed job, got %v", err)
	}
}

func TestCancelPendingJob(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)
	eng.Pause(context.Background())

	job := submit(t, eng, "a cat")
	if err := eng.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if got := jobStatus(eng, job.ID); got != models.StatusCancelled {
		t.Fatalf("pending job should cancel immediately, got %s", got)
	}
	// Cancelling a terminal job is a no-op.
	if err := eng.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
}

func TestCancelProcessingAdvancesQueue(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)
	sess := newFakeSession()
	src.set(sess)

	blocked := submit(t, eng, "block: long render")
	next := submit(t, eng, "a cat")

	waitFor(t, "first job processing", func() bool {
		return jobStatus(eng, blocked.ID) == models.StatusProcessing
	})

	if err := eng.Cancel(context.Background(), blocked.ID); err != nil {
		t.Fatalf("cancel processing: %v", err)
	}
	waitFor(t, "cancelled then next completed", func() bool {
		return jobStatus(eng, blocked.ID) == models.StatusCancelled &&
			jobStatus(eng, next.ID) == models.StatusCompleted
	})

	cancelled, _ := eng.Job(blocked.ID)
	if cancelled.Progress != nil {
		t.Fatal("cancelled job must not retain progress")
	}
}

func TestPauseHoldsQueue(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)
	src.set(newFakeSession())

	eng.Pause(context.Background())
	job := submit(t, eng, "a cat")

	time.Sleep(50 * time.Millisecond)
	if got := jobStatus(eng, job.ID); got != models.StatusPending {
		t.Fatalf("paused queue must not pick up jobs, got %s", got)
	}

	eng.Resume(context.Background())
	waitFor(t, "completion after resume", func() bool {
		return jobStatus(eng, job.ID) == models.StatusCompleted
	})
}

func TestMoveJobsReordersPendingOnly(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)
	src.set(newFakeSession())

	done := submit(t, eng, "a cat")
	waitFor(t, "completion", func() bool { return jobStatus(eng, done.ID) == models.StatusCompleted })

	eng.Pause(context.Background())
	b := submit(t, eng, "b")
	c := submit(t, eng, "c")
	d := submit(t, eng, "d")

	// Full-collection indices: [done b c d]. Move d in front of b.
	eng.MoveJobs(context.Background(), []int{3}, 1)
	pending := eng.Pending()
	if pending[0].ID != d.ID || pending[1].ID != b.ID || pending[2].ID != c.ID {
		t.Fatalf("unexpected pending order after move: %v %v %v", pending[0].Name, pending[1].Name, pending[2].Name)
	}

	// Destination beyond the collection appends at the tail.
	eng.MoveJobs(context.Background(), []int{1}, 99)
	pending = eng.Pending()
	if pending[len(pending)-1].ID != d.ID {
		t.Fatalf("expected moved job at tail, got %s", pending[len(pending)-1].ID)
	}

	// Reordering a non-pending job is a no-op.
	before := eng.Snapshot()
	eng.MoveJobs(context.Background(), []int{0}, 2)
	after := eng.Snapshot()
	for i := range before.Jobs {
		if before.Jobs[i].ID != after.Jobs[i].ID {
			t.Fatal("moving a completed job must not change order")
		}
	}
}

func TestClearOperations(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)
	src.set(newFakeSession())

	done := submit(t, eng, "a cat")
	failed := submit(t, eng, "fail: bad")
	waitFor(t, "terminal states", func() bool {
		return jobStatus(eng, done.ID) == models.StatusCompleted &&
			jobStatus(eng, failed.ID) == models.StatusFailed
	})
	eng.Pause(context.Background())
	pending := submit(t, eng, "later")

	eng.ClearCompleted(context.Background())
	if _, ok := eng.Job(done.ID); ok {
		t.Fatal("completed job should be cleared")
	}
	if _, ok := eng.Job(failed.ID); !ok {
		t.Fatal("failed job must survive clearCompleted")
	}

	eng.ClearFinished(context.Background())
	if _, ok := eng.Job(failed.ID); ok {
		t.Fatal("failed job should be cleared by clearFinished")
	}
	if _, ok := eng.Job(pending.ID); !ok {
		t.Fatal("pending job must survive clearFinished")
	}

	eng.ClearAll(context.Background())
	if !eng.IsEmpty() {
		t.Fatal("clearAll must empty the collection")
	}
}

func TestRemoveProcessingRejected(t *testing.T) {
	src := &fakeSource{}
	eng, _ := newTestEngine(t, nil, src)
	sess := newFakeSession()
	src.set(sess)

	job := submit(t, eng, "block: long render")
	waitFor(t, "processing", func() bool { return jobStatus(eng, job.ID) == models.StatusProcessing })

	if err := eng.Remove(context.Background(), job.ID); !errors.Is(err, ErrJobProcessing) {
		t.Fatalf("expected removal rejection while processing, got %v", err)
	}
	close(sess.release)
	waitFor(t, "completion", func() bool { return jobStatus(eng, job.ID) == models.StatusCompleted })
	if err := eng.Remove(context.Background(), job.ID); err != nil {
		t.Fatalf("remove terminal: %v", err)
	}
}

func TestStartupResetsStaleProcessingJob(t *testing.T) {
	now := time.Now().UTC()
	st := &memStore{initial: []models.Job{{
		ID:        "stale",
		Prompt:    "a cat",
		Status:    models.StatusProcessing,
		StartedAt: &now,
		CreatedAt: now,
	}}}
	eng := New(context.Background(), Options{
		Store:    st,
		Sessions: &fakeSource{},
		Logger:   zerolog.Nop(),
	})

	job, ok := eng.Job("stale")
	if !ok {
		t.Fatal("job lost on reload")
	}
	if job.Status != models.StatusPending || job.StartedAt != nil {
		t.Fatalf("stale processing job must reset to pending, got %s", job.Status)
	}
}

func TestPersistsAfterMutations(t *testing.T) {
	st := &memStore{}
	src := &fakeSource{}
	eng, _ := newTestEngine(t, st, src)
	src.set(newFakeSession())

	job := submit(t, eng, "a cat")
	waitFor(t, "completion", func() bool { return jobStatus(eng, job.ID) == models.StatusCompleted })

	last := st.last()
	if len(last) != 1 || last[0].Status != models.StatusCompleted {
		t.Fatalf("store must hold the terminal state, got %+v", last)
	}
}
