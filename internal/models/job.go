package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted by the queue store.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// MaxRetries bounds how often a failed job may be resubmitted.
const MaxRetries = 3

// IsTerminal reports whether a status admits no further automatic transition.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// HintType classifies a reference image attached to a generation request.
const (
	HintDepth  = "depth"
	HintPose   = "pose"
	HintColor  = "color"
	HintCustom = "custom"
)

// ReferenceHint is a typed, weighted conditioning image.
type ReferenceHint struct {
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
	Image  []byte  `json:"image,omitempty"`
}

// HintSet collects reference hints in append order and hands out
// immutable copies.
type HintSet struct {
	hints []ReferenceHint
}

// Add appends one hint, preserving insertion order.
func (h *HintSet) Add(hintType string, weight float64, image []byte) {
	h.hints = append(h.hints, ReferenceHint{Type: hintType, Weight: weight, Image: image})
}

// List returns a copy of the collected hints.
func (h *HintSet) List() []ReferenceHint {
	out := make([]ReferenceHint, len(h.hints))
	copy(out, h.hints)
	return out
}

// InputImages carries the optional canvas, inpaint mask, and reference hints
// for one generation request.
type InputImages struct {
	Canvas []byte          `json:"canvas,omitempty"`
	Mask   []byte          `json:"mask,omitempty"`
	Hints  []ReferenceHint `json:"hints,omitempty"`
}

// Progress is transient per-job progress. It is attached only while the job
// is processing and discarded on any terminal transition.
type Progress struct {
	CurrentStep  int    `json:"current_step"`
	TotalSteps   int    `json:"total_steps"`
	Stage        string `json:"stage,omitempty"`
	PreviewImage []byte `json:"preview_image,omitempty"`
}

// Job represents one generation request plus its outcome. Identity is stable
// for the record's whole life; status and result fields are owned by the
// queue engine.
type Job struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt,omitempty"`
	Configuration  json.RawMessage `json:"configuration"`
	Input          InputImages     `json:"input"`
	Status         string          `json:"status"`
	Progress       *Progress       `json:"progress,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ResultImages   []string        `json:"result_images,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	PromptTokens   int             `json:"prompt_tokens,omitempty"`
}

// Clone returns a deep copy safe to hand to observers.
func (j Job) Clone() Job {
	out := j
	if j.Progress != nil {
		p := *j.Progress
		if j.Progress.PreviewImage != nil {
			p.PreviewImage = append([]byte(nil), j.Progress.PreviewImage...)
		}
		out.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.ResultImages != nil {
		out.ResultImages = append([]string(nil), j.ResultImages...)
	}
	if j.Configuration != nil {
		out.Configuration = append(json.RawMessage(nil), j.Configuration...)
	}
	out.Input = j.Input.clone()
	return out
}

func (in InputImages) clone() InputImages {
	out := InputImages{}
	if in.Canvas != nil {
		out.Canvas = append([]byte(nil), in.Canvas...)
	}
	if in.Mask != nil {
		out.Mask = append([]byte(nil), in.Mask...)
	}
	if in.Hints != nil {
		out.Hints = make([]ReferenceHint, len(in.Hints))
		for i, h := range in.Hints {
			out.Hints[i] = h
			if h.Image != nil {
				out.Hints[i].Image = append([]byte(nil), h.Image...)
			}
		}
	}
	return out
}
