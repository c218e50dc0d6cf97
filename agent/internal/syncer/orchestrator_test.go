package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opticourier/opticourier/agent/internal/notify"
	"github.com/opticourier/opticourier/agent/internal/queue"
	"github.com/opticourier/opticourier/agent/internal/transport"
	"github.com/opticourier/opticourier/pkg/types"
)

// --- fakes ---

type fakeConn struct {
	up        atomic.Bool
	edges     chan bool
	primed    chan struct{}
	primeOnce sync.Once
}

func newFakeConn(up bool) *fakeConn {
	c := &fakeConn{edges: make(chan bool, 1), primed: make(chan struct{})}
	c.up.Store(up)
	return c
}

func (c *fakeConn) Check(context.Context) bool { return c.up.Load() }
func (c *fakeConn) State() bool                { return c.up.Load() }

func (c *fakeConn) Prime(context.Context) bool {
	v := c.up.Load()
	c.primeOnce.Do(func() { close(c.primed) })
	return v
}

func (c *fakeConn) Subscribe() (<-chan bool, func()) {
	return c.edges, func() {}
}

// transition flips reachability and emits the edge.
func (c *fakeConn) transition(up bool) {
	c.up.Store(up)
	c.edges <- up
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []string // record ids in attempt order
	fn    func(ctx context.Context, p transport.Payload) error
}

func (u *fakeUploader) Upload(ctx context.Context, p transport.Payload) error {
	u.mu.Lock()
	u.calls = append(u.calls, idOf(p.BlobPath))
	fn := u.fn
	u.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, p)
}

func (u *fakeUploader) attempts() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func failing(kind transport.Kind) func(context.Context, transport.Payload) error {
	return func(context.Context, transport.Payload) error {
		return &transport.Failure{Kind: kind, StatusCode: 503, Err: errors.New("unavailable")}
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Failed(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

// flakyStore fails Complete a configurable number of times.
type flakyStore struct {
	*queue.Store
	completeFailures atomic.Int32
}

func (s *flakyStore) Complete(ctx context.Context, id string) error {
	if s.completeFailures.Add(-1) >= 0 {
		return errors.New("disk I/O error")
	}
	return s.Store.Complete(ctx, id)
}

// --- helpers ---

func idOf(blobPath string) string {
	return strings.TrimSuffix(filepath.Base(blobPath), filepath.Ext(blobPath))
}

func createTestStore(t *testing.T) *queue.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := queue.Open(filepath.Join(dir, "queue.db"), filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func result(at time.Time) types.ResultFields {
	return types.NewResult(0.85, 0.2, at, types.DeviceInfo{Platform: "ios", Version: "17.4"})
}

// seed enqueues n records directly in the store with increasing capture
// times and returns their ids in capture order.
func seed(t *testing.T, s *queue.Store, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id, err := s.Enqueue(context.Background(), []byte("img"), ".jpg", result(baseTime.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func pendingCount(t *testing.T, o *Orchestrator) int {
	t.Helper()
	n, err := o.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}

// --- scenarios ---

func TestScenario_OfflineThenReconnect(t *testing.T) {
	st := createTestStore(t)
	conn := newFakeConn(false)
	up := &fakeUploader{}
	o := New(st, up, conn, Policy{})

	ids := seed(t, st, 7)
	assert.Equal(t, 7, pendingCount(t, o))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	<-conn.primed
	conn.transition(true)

	require.Eventually(t, func() bool {
		_, ok := o.LastPass()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	last, _ := o.LastPass()
	assert.Equal(t, TriggerConnectivity, last.Trigger)
	assert.Equal(t, 2, last.Batches)
	assert.Equal(t, 7, last.Succeeded)
	assert.Equal(t, ids, up.attempts())
	assert.Equal(t, 0, pendingCount(t, o))

	cancel()
	require.NoError(t, <-done)
}

func TestScenario_BoundedRetry(t *testing.T) {
	st := createTestStore(t)
	up := &fakeUploader{fn: failing(transport.KindServer)}
	o := New(st, up, newFakeConn(true), Policy{})
	ctx := context.Background()

	id := seed(t, st, 1)[0]
	for i := 0; i < 3; i++ {
		_, ran := o.Sync(ctx, TriggerManual)
		require.True(t, ran)
	}

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Contains(t, rec.LastError, "503")

	stats, ran := o.Sync(ctx, TriggerManual)
	require.True(t, ran)
	assert.Zero(t, stats.Attempted, "exhausted record must not be attempted")
	assert.Len(t, up.attempts(), 3)
	assert.Equal(t, 0, pendingCount(t, o))
}

func TestScenario_ConcurrentTriggers(t *testing.T) {
	st := createTestStore(t)
	release := make(chan struct{})
	up := &fakeUploader{fn: func(ctx context.Context, _ transport.Payload) error {
		<-release
		return nil
	}}
	o := New(st, up, newFakeConn(true), Policy{})
	seed(t, st, 1)

	const triggers = 8
	var (
		start sync.WaitGroup
		done  sync.WaitGroup
		ran   atomic.Int32
	)
	start.Add(1)
	for i := 0; i < triggers; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			if _, ok := o.Sync(context.Background(), TriggerManual); ok {
				ran.Add(1)
			}
		}()
	}
	start.Done()

	// Every trigger but the running one returns immediately.
	require.Eventually(t, o.IsSyncing, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), ran.Load())
	assert.Len(t, up.attempts(), 1)
	assert.False(t, o.IsSyncing())
}

// --- properties ---

func TestSync_FIFOWithinPass(t *testing.T) {
	st := createTestStore(t)
	up := &fakeUploader{}
	o := New(st, up, newFakeConn(true), Policy{BatchSize: 2})
	ctx := context.Background()

	var want [3]string
	for _, i := range []int{2, 0, 1} {
		id, err := st.Enqueue(ctx, []byte("img"), ".jpg", result(baseTime.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
		want[i] = id
	}

	stats, ran := o.Sync(ctx, TriggerManual)
	require.True(t, ran)
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, want[:], up.attempts())
}

func TestSync_SuccessCleansUp(t *testing.T) {
	st := createTestStore(t)
	o := New(st, &fakeUploader{}, newFakeConn(true), Policy{})
	ctx := context.Background()

	id := seed(t, st, 1)[0]
	rec, err := st.Get(ctx, id)
	require.NoError(t, err)

	_, ran := o.Sync(ctx, TriggerManual)
	require.True(t, ran)

	_, err = st.Get(ctx, id)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = os.Stat(rec.BlobPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, pendingCount(t, o))
}

func TestSync_EmptyStoreIsNoOp(t *testing.T) {
	o := New(createTestStore(t), &fakeUploader{}, newFakeConn(true), Policy{})

	stats, ran := o.Sync(context.Background(), TriggerManual)
	assert.True(t, ran)
	assert.Zero(t, stats.Attempted)
	assert.Zero(t, stats.Batches)
	assert.False(t, o.IsSyncing())
}

func TestSync_DropConditions(t *testing.T) {
	ctx := context.Background()

	t.Run("offline", func(t *testing.T) {
		st := createTestStore(t)
		up := &fakeUploader{}
		o := New(st, up, newFakeConn(false), Policy{})
		seed(t, st, 1)

		_, ran := o.Sync(ctx, TriggerManual)
		assert.False(t, ran)
		assert.Empty(t, up.attempts())
		assert.False(t, o.IsSyncing())
	})

	t.Run("auto-sync disabled", func(t *testing.T) {
		st := createTestStore(t)
		up := &fakeUploader{}
		o := New(st, up, newFakeConn(true), Policy{})
		seed(t, st, 1)
		require.NoError(t, o.SetAutoSyncEnabled(ctx, false))

		for _, trig := range []Trigger{TriggerConnectivity, TriggerStartup, TriggerEnqueue, TriggerTimer} {
			_, ran := o.Sync(ctx, trig)
			assert.False(t, ran, "trigger %s", trig)
		}
		assert.Empty(t, up.attempts())

		// Manual ignores the preference.
		_, ran := o.Sync(ctx, TriggerManual)
		assert.True(t, ran)
		assert.Len(t, up.attempts(), 1)
	})
}

func TestRecover_ResetsInterruptedBeforeFirstPass(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	id := seed(t, st, 1)[0]
	require.NoError(t, st.UpdateStatus(ctx, id, queue.StatusUploading))

	up := &fakeUploader{}
	o := New(st, up, newFakeConn(true), Policy{})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- o.Run(runCtx) }()

	require.Eventually(t, func() bool {
		last, ok := o.LastPass()
		return ok && last.Trigger == TriggerStartup
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{id}, up.attempts())
	_, err := st.Get(ctx, id)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestSync_PanicIsContained(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	ids := seed(t, st, 3)

	up := &fakeUploader{fn: func(_ context.Context, p transport.Payload) error {
		if idOf(p.BlobPath) == ids[1] {
			panic("codec exploded")
		}
		return nil
	}}
	o := New(st, up, newFakeConn(true), Policy{})

	stats, ran := o.Sync(ctx, TriggerManual)
	require.True(t, ran)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Errors)
	assert.False(t, o.IsSyncing())

	rec, err := st.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, rec.Status, "panicked record returns to pending")
}

func TestSync_DuplicateWhenCompleteFails(t *testing.T) {
	base := createTestStore(t)
	st := &flakyStore{Store: base}
	st.completeFailures.Store(1)
	up := &fakeUploader{}
	o := New(st, up, newFakeConn(true), Policy{})
	ctx := context.Background()

	id := seed(t, base, 1)[0]

	stats, _ := o.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, stats.Errors)
	rec, err := base.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, rec.Status)
	assert.Zero(t, rec.RetryCount, "a delivered record is not charged a retry")

	stats, _ = o.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, stats.Succeeded)

	// At-least-once: the collector received the record twice.
	assert.Equal(t, []string{id, id}, up.attempts())
}

func TestSync_RetryBackoff(t *testing.T) {
	st := createTestStore(t)
	now := baseTime
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	up := &fakeUploader{fn: failing(transport.KindNetwork)}
	o := New(st, up, newFakeConn(true), Policy{RetryBackoff: time.Minute, RetryBackoffMax: time.Hour}, WithClock(clock))
	ctx := context.Background()
	id := seed(t, st, 1)[0]

	stats, _ := o.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, stats.Failed)

	stats, _ = o.Sync(ctx, TriggerManual)
	assert.Zero(t, stats.Attempted)
	assert.Equal(t, 1, stats.Skipped)

	advance(time.Minute)
	stats, _ = o.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, stats.Attempted)

	rec, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, baseTime.Add(time.Minute+2*time.Minute), rec.NextAttemptAt)
}

func TestSync_NotifiesExhausted(t *testing.T) {
	st := createTestStore(t)
	n := &fakeNotifier{}
	o := New(st, &fakeUploader{fn: failing(transport.KindTimeout)}, newFakeConn(true), Policy{MaxRetries: 1}, WithNotifier(n))
	id := seed(t, st, 1)[0]

	stats, _ := o.Sync(context.Background(), TriggerManual)
	assert.Equal(t, 1, stats.Exhausted)

	require.Len(t, n.events, 1)
	assert.Equal(t, id, n.events[0].RecordID)
	assert.Equal(t, 1, n.events[0].RetryCount)
	assert.Equal(t, baseTime, n.events[0].CapturedAt)
}

func TestSync_RetriesFailedBelowCap(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	id := seed(t, st, 1)[0]

	// Failed with one attempt used, as left by a lower max_retries.
	require.NoError(t, st.UpdateStatus(ctx, id, queue.StatusUploading))
	require.NoError(t, st.UpdateStatus(ctx, id, queue.StatusFailed, queue.WithRetryCount(1)))

	up := &fakeUploader{}
	o := New(st, up, newFakeConn(true), Policy{MaxRetries: 3})
	assert.Equal(t, 1, pendingCount(t, o))

	stats, _ := o.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, []string{id}, up.attempts())
}

func TestSync_DisableDuringPassDoesNotCancel(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	seed(t, st, 2)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	up := &fakeUploader{fn: func(context.Context, transport.Payload) error {
		entered <- struct{}{}
		<-release
		return nil
	}}
	o := New(st, up, newFakeConn(true), Policy{})

	result := make(chan PassStats, 1)
	go func() {
		stats, _ := o.Sync(ctx, TriggerConnectivity)
		result <- stats
	}()

	<-entered
	require.NoError(t, o.SetAutoSyncEnabled(ctx, false))
	close(release)

	stats := <-result
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 0, pendingCount(t, o))
}

func TestSync_ContextCancelStopsPass(t *testing.T) {
	st := createTestStore(t)
	ids := seed(t, st, 3)

	ctx, cancel := context.WithCancel(context.Background())
	up := &fakeUploader{fn: func(c context.Context, _ transport.Payload) error {
		cancel()
		return &transport.Failure{Kind: transport.KindNetwork, Err: c.Err()}
	}}
	o := New(st, up, newFakeConn(true), Policy{})

	stats, ran := o.Sync(ctx, TriggerManual)
	require.True(t, ran)
	assert.True(t, stats.Interrupted)
	assert.Len(t, up.attempts(), 1)

	for _, id := range ids {
		rec, err := st.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPending, rec.Status)
		assert.Zero(t, rec.RetryCount, "shutdown must not consume retries")
	}
}

func TestEnqueue_EagerSync(t *testing.T) {
	st := createTestStore(t)
	up := &fakeUploader{}
	o := New(st, up, newFakeConn(true), Policy{})
	ctx := context.Background()

	id, err := o.Enqueue(ctx, []byte("img"), "jpg", result(baseTime))
	require.NoError(t, err)
	o.Wait()

	assert.Equal(t, []string{id}, up.attempts())
	assert.Equal(t, 0, pendingCount(t, o))
}

func TestEnqueue_OfflineStillDurable(t *testing.T) {
	st := createTestStore(t)
	up := &fakeUploader{}
	o := New(st, up, newFakeConn(false), Policy{})

	id, err := o.Enqueue(context.Background(), []byte("img"), "jpg", result(baseTime))
	require.NoError(t, err)
	o.Wait()

	assert.Empty(t, up.attempts())
	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, rec.Status)
}

func TestStatus(t *testing.T) {
	st := createTestStore(t)
	o := New(st, &fakeUploader{}, newFakeConn(false), Policy{})
	seed(t, st, 2)

	s, err := o.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Pending)
	assert.True(t, s.AutoSync)
	assert.False(t, s.Connected)
	assert.False(t, s.Syncing)
	assert.Nil(t, s.LastPass)
}
