package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"render-queue/internal/models"
)

// HTTPDialer opens sessions against servers speaking the JSON control
// protocol: GET /v1/echo for liveness, POST /v1/generate streaming
// newline-delimited JSON events, POST /v1/cancel to interrupt.
type HTTPDialer struct {
	// Client is used for probe and cancel calls. Generate uses a client
	// without a timeout so long renders are not cut off mid-stream.
	Client *http.Client
}

// NewHTTPDialer builds a dialer with the given per-request timeout for
// short calls.
func NewHTTPDialer(timeout time.Duration) *HTTPDialer {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDialer{Client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDialer) Dial(_ context.Context, address string, useTLS bool) (Session, error) {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	return &httpSession{
		base:      fmt.Sprintf("%s://%s", scheme, address),
		short:     d.Client,
		streaming: &http.Client{},
	}, nil
}

type httpSession struct {
	base      string
	short     *http.Client
	streaming *http.Client
}

func (s *httpSession) Probe(ctx context.Context) (models.Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/v1/echo", nil)
	if err != nil {
		return models.Catalog{}, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := s.short.Do(req)
	if err != nil {
		return models.Catalog{}, fmt.Errorf("probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return models.Catalog{}, fmt.Errorf("probe: status %d", resp.StatusCode)
	}
	var catalog models.Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return models.Catalog{}, fmt.Errorf("decode probe response: %w", err)
	}
	return catalog, nil
}

// streamFrame is one NDJSON line from the generate endpoint.
type streamFrame struct {
	CurrentStep int      `json:"current_step"`
	TotalSteps  int      `json:"total_steps"`
	Stage       string   `json:"stage,omitempty"`
	Preview     string   `json:"preview,omitempty"`
	Images      []string `json:"images,omitempty"`
	Error       string   `json:"error,omitempty"`
	Done        bool     `json:"done,omitempty"`
}

func (s *httpSession) Generate(ctx context.Context, genReq GenerateRequest) (<-chan Event, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("generate: status %d", resp.StatusCode)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var frame streamFrame
			if err := json.Unmarshal(line, &frame); err != nil {
				emit(ctx, events, Event{Err: fmt.Errorf("decode stream frame: %w", err)})
				return
			}
			ev, terminal, err := frame.toEvent()
			if err != nil {
				emit(ctx, events, Event{Err: err})
				return
			}
			if !emit(ctx, events, ev) {
				return
			}
			if terminal {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, events, Event{Err: fmt.Errorf("read stream: %w", err)})
			return
		}
		emit(ctx, events, Event{Err: fmt.Errorf("stream ended without terminal frame")})
	}()
	return events, nil
}

func (f streamFrame) toEvent() (Event, bool, error) {
	if f.Error != "" {
		return Event{Err: fmt.Errorf("%s", f.Error)}, true, nil
	}
	if f.Done || len(f.Images) > 0 {
		images := make([][]byte, 0, len(f.Images))
		for _, enc := range f.Images {
			data, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return Event{}, false, fmt.Errorf("decode result image: %w", err)
			}
			images = append(images, data)
		}
		return Event{Images: images}, true, nil
	}
	progress := &models.Progress{
		CurrentStep: f.CurrentStep,
		TotalSteps:  f.TotalSteps,
		Stage:       f.Stage,
	}
	if f.Preview != "" {
		if data, err := base64.StdEncoding.DecodeString(f.Preview); err == nil {
			progress.PreviewImage = data
		}
	}
	return Event{Progress: progress}, false, nil
}

func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *httpSession) CancelCurrent(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/v1/cancel", nil)
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	resp, err := s.short.Do(req)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("cancel: status %d", resp.StatusCode)
	}
	return nil
}

func (s *httpSession) Close() error {
	s.streaming.CloseIdleConnections()
	s.short.CloseIdleConnections()
	return nil
}
