package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opticourier/opticourier/agent/internal/metrics"
	"github.com/opticourier/opticourier/agent/internal/notify"
	"github.com/opticourier/opticourier/agent/internal/queue"
	"github.com/opticourier/opticourier/agent/internal/transport"
	"github.com/opticourier/opticourier/pkg/types"
)

// Trigger names what started a sync pass.
type Trigger string

const (
	TriggerConnectivity Trigger = "connectivity"
	TriggerStartup      Trigger = "startup"
	TriggerEnqueue      Trigger = "enqueue"
	TriggerTimer        Trigger = "timer"
	TriggerManual       Trigger = "manual"
)

// automatic reports whether the trigger honours the auto-sync preference.
func (t Trigger) automatic() bool { return t != TriggerManual }

// Store is the subset of queue.Store the orchestrator uses.
type Store interface {
	Enqueue(ctx context.Context, blob []byte, ext string, result types.ResultFields) (string, error)
	ListByStatus(ctx context.Context, status queue.Status) ([]queue.Record, error)
	UpdateStatus(ctx context.Context, id string, status queue.Status, opts ...queue.UpdateOption) error
	Complete(ctx context.Context, id string) error
	CountEligible(ctx context.Context, maxRetries int) (int, error)
	RecoverInterrupted(ctx context.Context) (int, error)
	AutoSyncEnabled(ctx context.Context) (bool, error)
	SetAutoSyncEnabled(ctx context.Context, enabled bool) error
}

// Connectivity is the subset of netwatch.Observer the orchestrator uses.
type Connectivity interface {
	Check(ctx context.Context) bool
	State() bool
	Prime(ctx context.Context) bool
	Subscribe() (<-chan bool, func())
}

// Notifier is told about records that reach the retry cap.
type Notifier interface {
	Failed(ctx context.Context, ev notify.Event)
}

// PassStats summarises one sync pass.
type PassStats struct {
	Trigger   Trigger       `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Batches   int           `json:"batches"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`    // transport failures, retried later
	Exhausted int           `json:"exhausted"` // reached the retry cap this pass
	Errors    int           `json:"errors"`    // store errors and recovered panics
	Skipped   int           `json:"skipped"`   // vanished records, backoff not elapsed
	// Interrupted is set when the pass stopped early because its context ended.
	Interrupted bool `json:"interrupted"`
}

// Status is a point-in-time view of the agent for observability surfaces.
type Status struct {
	Pending   int        `json:"pending"`
	Syncing   bool       `json:"syncing"`
	AutoSync  bool       `json:"auto_sync"`
	Connected bool       `json:"connected"`
	LastPass  *PassStats `json:"last_pass,omitempty"`
}

// Orchestrator runs single-flight sync passes over the store.
// It is safe for concurrent use.
type Orchestrator struct {
	store    Store
	uploader transport.Uploader
	conn     Connectivity
	notifier Notifier
	metrics  *metrics.Metrics
	policy   Policy
	now      func() time.Time

	syncing atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	base    context.Context
	last    PassStats
	hasLast bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the notifier told about exhausted records.
func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an Orchestrator. Zero policy fields take their defaults.
func New(store Store, uploader transport.Uploader, conn Connectivity, policy Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		uploader: uploader,
		conn:     conn,
		policy:   policy.withDefaults(),
		now:      time.Now,
		base:     context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run recovers interrupted uploads, fires the startup trigger and then
// reacts to connectivity edges and the optional timer until ctx ends.
// It returns an error only if recovery fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.base = ctx
	o.mu.Unlock()

	if err := o.Recover(ctx); err != nil {
		return err
	}

	edges, cancel := o.conn.Subscribe()
	defer cancel()

	enabled, _ := o.AutoSyncEnabled(ctx)
	o.metrics.SetAutoSync(enabled)
	connected := o.conn.Prime(ctx)
	o.metrics.SetConnected(connected)
	if connected {
		o.Sync(ctx, TriggerStartup)
	}

	var tick <-chan time.Time
	if o.policy.Interval > 0 {
		t := time.NewTicker(o.policy.Interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return nil
		case up, ok := <-edges:
			if !ok {
				edges = nil
				continue
			}
			o.metrics.SetConnected(up)
			if up {
				o.Sync(ctx, TriggerConnectivity)
			}
		case <-tick:
			o.Sync(ctx, TriggerTimer)
		}
	}
}

// Recover resets records left Uploading by a previous process. It must
// complete before the first pass.
func (o *Orchestrator) Recover(ctx context.Context) error {
	n, err := o.store.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("syncer: recover: %w", err)
	}
	if n > 0 {
		slog.Warn("syncer: reset interrupted uploads to pending", "count", n)
	}
	o.metrics.Recovered(n)
	o.refreshPending(ctx)
	return nil
}

// Sync runs one pass for trigger. It returns false without doing anything
// when a pass is already running, when an automatic trigger finds auto-sync
// disabled, or when the collector is unreachable. It never returns an error;
// problems are logged and reflected in the stats.
func (o *Orchestrator) Sync(ctx context.Context, trigger Trigger) (PassStats, bool) {
	if !o.syncing.CompareAndSwap(false, true) {
		slog.Debug("syncer: pass already running, trigger dropped", "trigger", trigger)
		o.metrics.PassDropped(string(trigger), "busy")
		return PassStats{}, false
	}
	defer o.syncing.Store(false)

	if trigger.automatic() {
		enabled, err := o.store.AutoSyncEnabled(ctx)
		if err != nil {
			slog.Error("syncer: read auto-sync preference", "err", err)
			o.metrics.PassDropped(string(trigger), "error")
			return PassStats{}, false
		}
		if !enabled {
			slog.Debug("syncer: auto-sync disabled, trigger dropped", "trigger", trigger)
			o.metrics.PassDropped(string(trigger), "disabled")
			return PassStats{}, false
		}
	}
	if !o.conn.Check(ctx) {
		slog.Debug("syncer: collector unreachable, trigger dropped", "trigger", trigger)
		o.metrics.PassDropped(string(trigger), "offline")
		return PassStats{}, false
	}

	return o.pass(ctx, trigger), true
}

// pass executes the batch loop. The syncing flag is held by the caller.
func (o *Orchestrator) pass(ctx context.Context, trigger Trigger) (stats PassStats) {
	stats = PassStats{Trigger: trigger, StartedAt: o.now()}
	o.metrics.PassStarted(string(trigger))

	defer func() {
		if r := recover(); r != nil {
			slog.Error("syncer: pass panicked", "trigger", trigger, "panic", r)
			stats.Errors++
		}
		stats.Duration = o.now().Sub(stats.StartedAt)
		o.metrics.PassFinished(stats.Duration)
		o.refreshPending(context.WithoutCancel(ctx))

		o.mu.Lock()
		o.last, o.hasLast = stats, true
		o.mu.Unlock()

		slog.Info("syncer: pass finished",
			"trigger", trigger,
			"attempted", stats.Attempted,
			"succeeded", stats.Succeeded,
			"failed", stats.Failed,
			"exhausted", stats.Exhausted,
			"batches", stats.Batches,
			"duration", stats.Duration,
		)
	}()

	records, skipped, err := o.candidates(ctx)
	stats.Skipped += skipped
	if err != nil {
		slog.Error("syncer: gather candidates", "err", err)
		stats.Errors++
		return stats
	}
	if len(records) == 0 {
		return stats
	}

	for start := 0; start < len(records); start += o.policy.BatchSize {
		end := start + o.policy.BatchSize
		if end > len(records) {
			end = len(records)
		}
		stats.Batches++
		for _, rec := range records[start:end] {
			if ctx.Err() != nil {
				stats.Interrupted = true
				return stats
			}
			switch o.attempt(ctx, rec) {
			case outcomeSuccess:
				stats.Attempted++
				stats.Succeeded++
			case outcomeFailed:
				stats.Attempted++
				stats.Failed++
			case outcomeExhausted:
				stats.Attempted++
				stats.Failed++
				stats.Exhausted++
			case outcomeSkipped:
				stats.Skipped++
			case outcomeError:
				stats.Attempted++
				stats.Errors++
			}
		}
	}
	return stats
}

// candidates returns pending records and failed records below the retry
// cap, oldest capture first, leaving out records still in backoff.
func (o *Orchestrator) candidates(ctx context.Context) ([]queue.Record, int, error) {
	pending, err := o.store.ListByStatus(ctx, queue.StatusPending)
	if err != nil {
		return nil, 0, err
	}
	failed, err := o.store.ListByStatus(ctx, queue.StatusFailed)
	if err != nil {
		return nil, 0, err
	}

	now := o.now()
	all := make([]queue.Record, 0, len(pending)+len(failed))
	skipped := 0
	add := func(r queue.Record) {
		if !r.NextAttemptAt.IsZero() && r.NextAttemptAt.After(now) {
			skipped++
			return
		}
		all = append(all, r)
	}
	for _, r := range pending {
		add(r)
	}
	for _, r := range failed {
		if r.RetryCount < o.policy.MaxRetries {
			add(r)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CapturedAt().Before(all[j].CapturedAt())
	})
	return all, skipped, nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeExhausted
	outcomeSkipped
	outcomeError
)

// attempt uploads one record and writes the resulting state. Panics are
// contained so a bad record cannot abort the rest of the batch.
func (o *Orchestrator) attempt(ctx context.Context, rec queue.Record) (out outcome) {
	// Bookkeeping writes must land even if ctx ends mid-upload.
	bg := context.WithoutCancel(ctx)
	claimed := false

	defer func() {
		if r := recover(); r != nil {
			slog.Error("syncer: record attempt panicked", "record", rec.ID, "panic", r)
			if claimed {
				if err := o.store.UpdateStatus(bg, rec.ID, queue.StatusPending); err != nil {
					slog.Warn("syncer: reset after panic", "record", rec.ID, "err", err)
				}
			}
			out = outcomeError
		}
	}()

	if err := o.store.UpdateStatus(ctx, rec.ID, queue.StatusUploading); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			slog.Info("syncer: record vanished, treating as resolved", "record", rec.ID)
			return outcomeSkipped
		}
		slog.Warn("syncer: claim record", "record", rec.ID, "err", err)
		return outcomeError
	}
	claimed = true

	started := o.now()
	err := o.uploader.Upload(ctx, transport.Payload{BlobPath: rec.BlobPath, Result: rec.Result})
	o.metrics.Upload(kindLabel(err), o.now().Sub(started))

	if err == nil {
		return o.complete(bg, rec)
	}

	if ctx.Err() != nil {
		// Shutdown, not a delivery failure: keep the retry budget.
		slog.Info("syncer: upload interrupted", "record", rec.ID)
		if uerr := o.store.UpdateStatus(bg, rec.ID, queue.StatusPending); uerr != nil {
			slog.Warn("syncer: reset interrupted record", "record", rec.ID, "err", uerr)
		}
		return outcomeSkipped
	}
	return o.fail(bg, rec, err)
}

func (o *Orchestrator) complete(ctx context.Context, rec queue.Record) outcome {
	err := o.store.Complete(ctx, rec.ID)
	switch {
	case err == nil:
		slog.Debug("syncer: record delivered", "record", rec.ID)
		return outcomeSuccess
	case errors.Is(err, queue.ErrNotFound):
		return outcomeSuccess
	}

	slog.Error("syncer: record delivered but not removed; it will be delivered again",
		"record", rec.ID, "err", err)
	if uerr := o.store.UpdateStatus(ctx, rec.ID, queue.StatusPending); uerr != nil {
		slog.Warn("syncer: reset undeleted record", "record", rec.ID, "err", uerr)
	}
	return outcomeError
}

func (o *Orchestrator) fail(ctx context.Context, rec queue.Record, cause error) outcome {
	retries := rec.RetryCount + 1
	msg := cause.Error()

	if retries >= o.policy.MaxRetries {
		err := o.store.UpdateStatus(ctx, rec.ID, queue.StatusFailed,
			queue.WithRetryCount(retries),
			queue.WithLastError(msg),
		)
		if err != nil {
			slog.Error("syncer: mark failed", "record", rec.ID, "err", err)
			return outcomeError
		}
		slog.Warn("syncer: record exhausted retries", "record", rec.ID, "retries", retries, "err", cause)
		o.metrics.RecordFailed()
		if o.notifier != nil {
			o.notifier.Failed(ctx, notify.Event{
				RecordID:   rec.ID,
				RetryCount: retries,
				LastError:  msg,
				CapturedAt: rec.CapturedAt(),
				FailedAt:   o.now().UTC(),
			})
		}
		return outcomeExhausted
	}

	err := o.store.UpdateStatus(ctx, rec.ID, queue.StatusPending,
		queue.WithRetryCount(retries),
		queue.WithNextAttempt(o.policy.NextAttempt(o.now(), retries)),
		queue.WithLastError(msg),
	)
	if err != nil {
		slog.Error("syncer: return record to pending", "record", rec.ID, "err", err)
		return outcomeError
	}
	slog.Info("syncer: upload failed, will retry", "record", rec.ID, "retries", retries, "kind", kindLabel(cause), "err", cause)
	return outcomeFailed
}

// kindLabel is the metrics label for an upload result.
func kindLabel(err error) string {
	if err == nil {
		return ""
	}
	if k := transport.KindOf(err); k != "" {
		return string(k)
	}
	return "unknown"
}

// Enqueue stores a new record and, if the collector is reachable and
// auto-sync is on, starts an opportunistic pass in the background. The
// record is durable before Enqueue returns, whatever the network state.
func (o *Orchestrator) Enqueue(ctx context.Context, blob []byte, ext string, result types.ResultFields) (string, error) {
	id, err := o.store.Enqueue(ctx, blob, ext, result)
	if err != nil {
		return "", err
	}
	slog.Info("syncer: record enqueued", "record", id, "captured_at", result.Timestamp)
	o.metrics.RecordEnqueued()
	o.refreshPending(ctx)

	o.mu.Lock()
	base := o.base
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Sync(base, TriggerEnqueue)
	}()
	return id, nil
}

// Wait blocks until background passes started by Enqueue have returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// PendingCount returns the number of records still awaiting delivery.
func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	n, err := o.store.CountEligible(ctx, o.policy.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("syncer: pending count: %w", err)
	}
	return n, nil
}

// IsSyncing reports whether a pass is running.
func (o *Orchestrator) IsSyncing() bool { return o.syncing.Load() }

// AutoSyncEnabled returns the persisted auto-sync preference.
func (o *Orchestrator) AutoSyncEnabled(ctx context.Context) (bool, error) {
	return o.store.AutoSyncEnabled(ctx)
}

// SetAutoSyncEnabled persists the auto-sync preference. A running pass is
// not affected; only later automatic triggers are.
func (o *Orchestrator) SetAutoSyncEnabled(ctx context.Context, enabled bool) error {
	if err := o.store.SetAutoSyncEnabled(ctx, enabled); err != nil {
		return err
	}
	slog.Info("syncer: auto-sync preference changed", "enabled", enabled)
	o.metrics.SetAutoSync(enabled)
	return nil
}

// LastPass returns the stats of the most recent pass, if any ran.
func (o *Orchestrator) LastPass() (PassStats, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.hasLast
}

// Status collects the observability fields into one snapshot.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	pending, err := o.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	auto, err := o.AutoSyncEnabled(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("syncer: status: %w", err)
	}
	st := Status{
		Pending:   pending,
		Syncing:   o.IsSyncing(),
		AutoSync:  auto,
		Connected: o.conn.State(),
	}
	if last, ok := o.LastPass(); ok {
		st.LastPass = &last
	}
	return st, nil
}

func (o *Orchestrator) refreshPending(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	n, err := o.PendingCount(ctx)
	if err != nil {
		slog.Warn("syncer: refresh pending gauge", "err", err)
		return
	}
	o.metrics.SetPending(n)
}
