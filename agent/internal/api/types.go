package api

import (
	"path/filepath"
	"time"

	"github.com/opticourier/opticourier/agent/internal/queue"
	"github.com/opticourier/opticourier/pkg/types"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// AutoSyncResponse is the payload for GET and PUT /api/v1/autosync.
// PUT accepts the same shape as its request body.
type AutoSyncResponse struct {
	Enabled bool `json:"enabled"`
}

// EnqueueResponse is returned by POST /api/v1/records.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// RecordResponse is one entry in GET /api/v1/records.
type RecordResponse struct {
	ID            string             `json:"id"`
	Status        string             `json:"status"`
	RetryCount    int                `json:"retry_count"`
	CapturedAt    string             `json:"captured_at"` // RFC3339
	NextAttemptAt string             `json:"next_attempt_at,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	Blob          string             `json:"blob"`
	Result        types.ResultFields `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toRecordResponse(r queue.Record) RecordResponse {
	out := RecordResponse{
		ID:         r.ID,
		Status:     string(r.Status),
		RetryCount: r.RetryCount,
		CapturedAt: r.CapturedAt().UTC().Format(time.RFC3339),
		LastError:  r.LastError,
		Blob:       filepath.Base(r.BlobPath),
		Result:     r.Result,
	}
	if !r.NextAttemptAt.IsZero() {
		out.NextAttemptAt = r.NextAttemptAt.UTC().Format(time.RFC3339)
	}
	return out
}
