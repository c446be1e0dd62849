package store

import (
	"encoding/json"
	"time"

	"render-queue/internal/models"
)

func testJobs(created, started time.Time) []models.Job {
	completed := started.Add(30 * time.Second)
	return []models.Job{
		{
			ID:             "job-1",
			Name:           "portrait",
			Prompt:         "a cat in a spacesuit",
			NegativePrompt: "blurry",
			Configuration:  json.RawMessage(`{"steps":20,"width":512}`),
			Input: models.InputImages{
				Canvas: []byte{1, 2, 3},
				Hints:  []models.ReferenceHint{{Type: models.HintDepth, Weight: 0.8, Image: []byte{4, 5}}},
			},
			Status:       models.StatusCompleted,
			ResultImages: []string{"artifacts/job-1/0.png"},
			CreatedAt:    created,
			StartedAt:    &started,
			CompletedAt:  &completed,
		},
		{
			ID:            "job-2",
			Prompt:        "a dog",
			Configuration: json.RawMessage(`{"steps":30}`),
			Status:        models.StatusPending,
			CreatedAt:     created.Add(time.Second),
			RetryCount:    2,
		},
	}
}

func testProfiles() []models.Profile {
	return []models.Profile{
		{ID: "p-1", Name: "Local server", Host: "127.0.0.1", Port: 7859, IsDefault: true},
		{ID: "p-2", Name: "Studio", Host: "render.example.com", Port: 443, UseTLS: true},
	}
}
