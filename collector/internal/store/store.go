package store

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/opticourier/opticourier/pkg/types"
)

// Submission is one accepted upload.
type Submission struct {
	ID         string             `json:"id"`
	ImagePath  string             `json:"-"`
	Image      string             `json:"image"` // file name inside the storage dir
	Size       int64              `json:"size"`
	Result     types.ResultFields `json:"result"`
	ReceivedAt time.Time          `json:"receivedAt"`
}

// Store is a thread-safe in-memory submission index, keyed by ID.
// A background goroutine (Run) periodically evicts submissions older than
// the retention window and removes their image files.
type Store struct {
	mu        sync.RWMutex
	data      map[string]*Submission
	retention time.Duration
	now       func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given retention.
func New(retention time.Duration) *Store {
	return &Store{
		data:      make(map[string]*Submission),
		retention: retention,
		now:       time.Now,
	}
}

// Put records sub, stamping ReceivedAt. Callers must not modify sub afterwards.
func (s *Store) Put(sub *Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.ReceivedAt = s.now().UTC()
	s.data[sub.ID] = sub
}

// Get returns the submission with id, if indexed.
func (s *Store) Get(id string) (*Submission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.data[id]
	return sub, ok
}

// List returns the live submissions, newest first. Expired entries that have
// not been evicted yet are excluded.
func (s *Store) List() []*Submission {
	s.mu.RLock()
	cutoff := s.now().Add(-s.retention)
	out := make([]*Submission, 0, len(s.data))
	for _, sub := range s.data {
		if sub.ReceivedAt.After(cutoff) {
			out = append(out, sub)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out
}

// Count returns the number of indexed submissions, including expired ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict drops submissions received at or before now minus retention and
// deletes their image files. It returns the number removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	cutoff := now.Add(-s.retention)
	var expired []*Submission
	for id, sub := range s.data {
		if !sub.ReceivedAt.After(cutoff) {
			delete(s.data, id)
			expired = append(expired, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range expired {
		if sub.ImagePath == "" {
			continue
		}
		if err := os.Remove(sub.ImagePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("store: remove expired image", "id", sub.ID, "path", sub.ImagePath, "err", err)
		}
	}
	return len(expired)
}

// Run starts the eviction loop. It ticks at half the retention (between one
// second and one hour) and blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted expired submissions", "count", n)
			}
		}
	}
}
