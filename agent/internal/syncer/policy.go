package syncer

import (
	"time"

	"github.com/opticourier/opticourier/agent/internal/config"
)

const backoffMultiplier = 2.0

// Policy holds the tunables of a sync pass.
type Policy struct {
	BatchSize  int
	MaxRetries int

	// RetryBackoff is the delay before a record that failed once is
	// eligible again. It doubles per further failure up to RetryBackoffMax.
	// Zero disables backoff: failed records are retried on the next pass.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// Interval enables the periodic timer trigger when positive.
	Interval time.Duration
}

// PolicyFrom builds a Policy from the sync config.
func PolicyFrom(cfg config.SyncConfig) Policy {
	return Policy{
		BatchSize:       cfg.BatchSize,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
		RetryBackoffMax: cfg.RetryBackoffMax,
		Interval:        cfg.Interval,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BatchSize <= 0 {
		p.BatchSize = config.DefaultBatchSize
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = config.DefaultMaxRetries
	}
	return p
}

// NextAttempt returns when a record that has now failed retries times may be
// attempted again. The zero time means immediately.
func (p Policy) NextAttempt(now time.Time, retries int) time.Time {
	if p.RetryBackoff <= 0 || retries <= 0 {
		return time.Time{}
	}
	d := p.RetryBackoff
	for i := 1; i < retries; i++ {
		d = time.Duration(float64(d) * backoffMultiplier)
		if p.RetryBackoffMax > 0 && d >= p.RetryBackoffMax {
			d = p.RetryBackoffMax
			break
		}
	}
	if p.RetryBackoffMax > 0 && d > p.RetryBackoffMax {
		d = p.RetryBackoffMax
	}
	return now.Add(d)
}
