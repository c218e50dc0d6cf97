package netwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opticourier/opticourier/agent/internal/config"
)

// Observer tracks collector reachability and broadcasts state changes.
// The zero state is unreachable until Prime or the first published edge.
type Observer struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	debounce time.Duration
	now      func() time.Time

	primeOnce sync.Once

	mu        sync.Mutex
	state     bool
	pending   bool // a differing reading is waiting out the debounce
	candidate bool
	since     time.Time
	subs      map[int]chan bool
	nextID    int
}

// New creates an Observer that probes with p using the intervals in cfg.
func New(p Prober, cfg config.ConnectivityConfig) *Observer {
	return &Observer{
		prober:   p,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		debounce: cfg.Debounce,
		now:      time.Now,
		subs:     make(map[int]chan bool),
	}
}

// Check runs one probe bounded by the configured timeout. Any probe error
// reads as unreachable.
func (o *Observer) Check(ctx context.Context) bool {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if err := o.prober.Probe(ctx); err != nil {
		slog.Debug("netwatch: probe failed", "err", err)
		return false
	}
	return true
}

// State returns the last published reachability.
func (o *Observer) State() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Prime performs one synchronous probe and adopts the result as the
// current state without notifying subscribers. Only the first call probes;
// concurrent callers block until it finishes and later calls return the
// current state. Any change after that is published as an edge.
func (o *Observer) Prime(ctx context.Context) bool {
	o.primeOnce.Do(func() {
		reading := o.Check(ctx)
		o.mu.Lock()
		o.state = reading
		o.pending = false
		o.mu.Unlock()
		slog.Info("netwatch: initial connectivity", "reachable", reading)
	})
	return o.State()
}

// Report feeds an externally observed reading (for example a platform
// network-change callback) through the debouncer.
func (o *Observer) Report(reachable bool) {
	o.observe(reachable, o.now())
}

// Subscribe registers for state-change edges. The returned cancel func
// unregisters and closes the channel; it is safe to call more than once.
func (o *Observer) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// Run probes every interval until ctx is cancelled. It primes the state
// first if Prime has not been called.
func (o *Observer) Run(ctx context.Context) {
	o.Prime(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.observe(o.Check(ctx), o.now())
		}
	}
}

// observe applies one reading taken at time at.
func (o *Observer) observe(reading bool, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if reading == o.state {
		o.pending = false
		return
	}
	if o.debounce > 0 {
		if !o.pending || o.candidate != reading {
			o.pending = true
			o.candidate = reading
			o.since = at
			return
		}
		if at.Sub(o.since) < o.debounce {
			return
		}
	}

	o.state = reading
	o.pending = false
	slog.Info("netwatch: connectivity changed", "reachable", reading)
	o.broadcast(reading)
}

// broadcast delivers v to every subscriber, replacing an undelivered older
// edge when a subscriber's buffer is full. Caller holds o.mu.
func (o *Observer) broadcast(v bool) {
	for _, ch := range o.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
