package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/opticourier/opticourier/pkg/types"
)

// Status is the delivery state of a queued record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
)

// Errors returned (wrapped) by Store methods.
var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetryRegression   = errors.New("retry count must not decrease")
	ErrInvalidStatus     = errors.New("unknown status")
)

// transitions lists the allowed target states for each source state.
// Uploaded is terminal and only ever written by Complete.
var transitions = map[Status][]Status{
	StatusPending:   {StatusUploading},
	StatusUploading: {StatusPending, StatusFailed, StatusUploaded},
	StatusFailed:    {StatusUploading},
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusUploaded, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record in state s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a string to a Status, rejecting unknown values.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// Record is one unit of queued work: a blob plus its metadata and delivery state.
type Record struct {
	ID            string
	BlobPath      string
	Result        types.ResultFields
	Status        Status
	RetryCount    int
	NextAttemptAt time.Time // zero means eligible on the next pass
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CapturedAt is the capture timestamp used for delivery ordering.
func (r Record) CapturedAt() time.Time {
	return r.Result.Timestamp
}

// NewRecord is the input to Insert. The store takes ownership of BlobPath.
type NewRecord struct {
	// ID is optional; a UUIDv7 is generated when empty.
	ID       string
	BlobPath string
	Result   types.ResultFields
}

// UpdateOption modifies fields written alongside a status change.
type UpdateOption func(*update)

type update struct {
	retryCount    *int
	nextAttemptAt *time.Time
	lastError     *string
}

// WithRetryCount overwrites retry_count. It must not be lower than the
// stored value.
func WithRetryCount(n int) UpdateOption {
	return func(u *update) { u.retryCount = &n }
}

// WithNextAttempt sets the earliest time the record is eligible again.
func WithNextAttempt(t time.Time) UpdateOption {
	return func(u *update) { u.nextAttemptAt = &t }
}

// WithLastError records the reason for the latest failed attempt.
func WithLastError(msg string) UpdateOption {
	return func(u *update) { u.lastError = &msg }
}
