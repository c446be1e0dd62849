package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"render-queue/internal/conn"
	"render-queue/internal/engine"
	"render-queue/internal/models"
	"render-queue/internal/ratelimit"
	"render-queue/internal/telemetry"
)

// Server exposes the queue and connection managers over HTTP. It is a thin
// surface: every mutation maps to exactly one core operation.
type Server struct {
	queue   *engine.Engine
	manager *conn.Manager
	limiter *ratelimit.SubmitLimiter
	log     zerolog.Logger
}

// New constructs the control API.
func New(queue *engine.Engine, manager *conn.Manager, limiter *ratelimit.SubmitLimiter, log zerolog.Logger) *Server {
	return &Server{
		queue:   queue,
		manager: manager,
		limiter: limiter,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.handleQueueSnapshot)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Delete("/jobs/{id}", s.handleRemove)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/move", s.handleMove)
		r.Post("/clear", s.handleClear)
	})

	r.Route("/connection", func(r chi.Router) {
		r.Get("/", s.handleConnSnapshot)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/reconnect", s.handleReconnect)
	})

	r.Route("/profiles", func(r chi.Router) {
		r.Get("/", s.handleListProfiles)
		r.Post("/", s.handleAddProfile)
		r.Put("/{id}", s.handleUpdateProfile)
		r.Delete("/{id}", s.handleDeleteProfile)
		r.Post("/{id}/default", s.handleSetDefault)
	})

	return r
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
	if err != nil {
		s.log.Error().Err(err).Msg("rate limiter unavailable")
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	job, err := s.queue.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, engine.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error().Err(err).Msg("submit failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Job(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.queue.Pause(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type moveRequest struct {
	From []int `json:"from"`
	To   int   `json:"to"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.queue.MoveJobs(r.Context(), req.From, req.To)
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("scope") {
	case "completed":
		s.queue.ClearCompleted(r.Context())
	case "failed":
		s.queue.ClearFailed(r.Context())
	case "finished":
		s.queue.ClearFinished(r.Context())
	case "all":
		s.queue.ClearAll(r.Context())
	default:
		http.Error(w, "scope must be one of completed|failed|finished|all", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Snapshot())
}

func (s *Server) handleConnSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

type connectRequest struct {
	ProfileID string `json:"profile_id"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if req.ProfileID == "" {
		s.manager.ConnectToDefault(r.Context())
		writeJSON(w, http.StatusOK, s.manager.Snapshot())
		return
	}
	var target *models.Profile
	for _, p := range s.manager.Snapshot().Profiles {
		if p.ID == req.ProfileID {
			profile := p
			target = &profile
			break
		}
	}
	if target == nil {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	s.manager.Connect(r.Context(), *target)
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.manager.Disconnect()
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.manager.Reconnect(r.Context())
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *Server) handleListProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Snapshot().Profiles)
}

func (s *Server) handleAddProfile(w http.ResponseWriter, r *http.Request) {
	var p models.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if p.Name == "" || p.Host == "" || p.Port == 0 {
		http.Error(w, "name, host, and port are required", http.StatusBadRequest)
		return
	}
	added := s.manager.AddProfile(r.Context(), p)
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var p models.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	p.ID = chi.URLParam(r, "id")
	if !s.manager.UpdateProfile(r.Context(), p) {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if !s.manager.DeleteProfile(r.Context(), chi.URLParam(r, "id")) {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	if !s.manager.SetDefault(r.Context(), chi.URLParam(r, "id")) {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "default set"})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrJobProcessing),
		errors.Is(err, engine.ErrRetryNotAllowed),
		errors.Is(err, engine.ErrRetryExhausted):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
