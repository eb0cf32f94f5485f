// Package webhook dispatches the upload-completion notification: a
// fire-and-forget POST fired after a successful completion-pipeline
// ingestion. It never blocks or fails the PATCH response that triggered
// it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"tusdrop/internal/logging"
	"tusdrop/internal/storage"
)

// Payload is the JSON body POSTed to the configured webhook URL.
type Payload struct {
	Event    string `json:"event"`
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Category string `json:"category"`
}

// Dispatcher fires upload.completed notifications at a single
// configured URL with a bounded retry.
type Dispatcher struct {
	url        string
	client     *http.Client
	maxRetries int
}

// New returns a Dispatcher. A blank url disables dispatch: Notify
// becomes a no-op, matching webhooks.url being unset in config.
func New(url string) *Dispatcher {
	return &Dispatcher{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
	}
}

// Notify sends the completion payload asynchronously; it returns
// immediately and never surfaces an error to the caller, since a
// webhook failure must not fail the upload it describes.
func (d *Dispatcher) Notify(file *storage.StoredFile) {
	if d.url == "" {
		return
	}
	payload := Payload{
		Event:    "upload.completed",
		UID:      file.UID,
		Name:     file.Name,
		Size:     file.Size,
		Category: file.Category,
	}
	go d.send(payload)
}

func (d *Dispatcher) send(payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Error("webhook: marshal payload failed", map[string]any{"uid": payload.UID}, err)
		return
	}

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			cancel()
			logging.Error("webhook: build request failed", map[string]any{"uid": payload.UID}, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		cancel()
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		logging.Warn("webhook: delivery attempt failed", map[string]any{"uid": payload.UID, "attempt": attempt})
	}
	logging.Error("webhook: delivery exhausted retries", map[string]any{"uid": payload.UID}, nil)
}
