package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opticourier/opticourier/agent/internal/api"
	"github.com/opticourier/opticourier/agent/internal/notify"
	"github.com/opticourier/opticourier/agent/internal/queue"
	"github.com/opticourier/opticourier/agent/internal/syncer"
	"github.com/opticourier/opticourier/pkg/types"
)

// --- test helpers -----------------------------------------------------------

// fakeService stands in for the orchestrator. Enqueue hits the real store so
// record listing reflects what was submitted.
type fakeService struct {
	store *queue.Store

	mu       sync.Mutex
	syncing  bool
	ran      bool
	stats    syncer.PassStats
	triggers []syncer.Trigger
}

func (f *fakeService) Status(ctx context.Context) (syncer.Status, error) {
	n, err := f.store.CountEligible(ctx, 5)
	if err != nil {
		return syncer.Status{}, err
	}
	auto, err := f.store.AutoSyncEnabled(ctx)
	if err != nil {
		return syncer.Status{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return syncer.Status{Pending: n, Syncing: f.syncing, AutoSync: auto, Connected: true}, nil
}

func (f *fakeService) Sync(_ context.Context, trigger syncer.Trigger) (syncer.PassStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	return f.stats, f.ran
}

func (f *fakeService) IsSyncing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncing
}

func (f *fakeService) AutoSyncEnabled(ctx context.Context) (bool, error) {
	return f.store.AutoSyncEnabled(ctx)
}

func (f *fakeService) SetAutoSyncEnabled(ctx context.Context, enabled bool) error {
	return f.store.SetAutoSyncEnabled(ctx, enabled)
}

func (f *fakeService) Enqueue(ctx context.Context, blob []byte, ext string, result types.ResultFields) (string, error) {
	return f.store.Enqueue(ctx, blob, ext, result)
}

type fakeFailures []notify.Event

func (f fakeFailures) Recent(limit int) []notify.Event {
	if limit > 0 && limit < len(f) {
		return f[:limit]
	}
	return f
}

func newStore(t *testing.T) *queue.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := queue.Open(filepath.Join(dir, "queue.db"), filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newHandler(t *testing.T) (http.Handler, *fakeService) {
	t.Helper()
	svc := &fakeService{store: newStore(t)}
	failures := fakeFailures{
		{RecordID: "b", RetryCount: 5, LastError: "server: status 500"},
		{RecordID: "a", RetryCount: 5, LastError: "network: refused"},
	}
	return api.New(svc, svc.store, failures, "test"), svc
}

func result(at time.Time) types.ResultFields {
	return types.NewResult(0.42, 0.153, at, types.DeviceInfo{Platform: "android", Version: "14"})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// multipartBody builds an upload with the given parts; empty values are omitted.
func multipartBody(t *testing.T, image []byte, metadata string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if image != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="eye.jpg"`)
		h.Set("Content-Type", "image/jpeg")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(image)
	}
	if metadata != "" {
		if err := mw.WriteField("metadata", metadata); err != nil {
			t.Fatal(err)
		}
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func postRecord(t *testing.T, h http.Handler, image []byte, metadata string) *httptest.ResponseRecorder {
	t.Helper()
	body, ctype := multipartBody(t, image, metadata)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/records", body)
	req.Header.Set("Content-Type", ctype)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func metadataJSON(t *testing.T, r types.ResultFields) string {
	t.Helper()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// --- /api/v1/health ---------------------------------------------------------

func TestHealth(t *testing.T) {
	h, _ := newHandler(t)
	rr := get(t, h, "/api/v1/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("got %+v", resp)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newHandler(t)
	cases := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/health"},
		{http.MethodPost, "/api/v1/status"},
		{http.MethodGet, "/api/v1/sync"},
		{http.MethodDelete, "/api/v1/autosync"},
		{http.MethodDelete, "/api/v1/records"},
		{http.MethodPost, "/api/v1/failures"},
	}
	for _, c := range cases {
		rr := do(t, h, c.method, c.path, "")
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: got %d, want 405", c.method, c.path, rr.Code)
		}
	}
}

// --- /api/v1/status ---------------------------------------------------------

func TestStatus_ReportsPending(t *testing.T) {
	h, svc := newHandler(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.store.Enqueue(ctx, []byte("x"), ".jpg", result(time.Now().Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}

	rr := get(t, h, "/api/v1/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	var st syncer.Status
	decode(t, rr, &st)
	if st.Pending != 3 {
		t.Errorf("pending: got %d, want 3", st.Pending)
	}
	if !st.AutoSync || !st.Connected {
		t.Errorf("got %+v", st)
	}
}

// --- /api/v1/sync -----------------------------------------------------------

func TestSync_RunsManualPass(t *testing.T) {
	h, svc := newHandler(t)
	svc.ran = true
	svc.stats = syncer.PassStats{Trigger: syncer.TriggerManual, Attempted: 2, Succeeded: 2}

	rr := do(t, h, http.MethodPost, "/api/v1/sync", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}
	var stats syncer.PassStats
	decode(t, rr, &stats)
	if stats.Succeeded != 2 {
		t.Errorf("succeeded: got %d", stats.Succeeded)
	}
	if len(svc.triggers) != 1 || svc.triggers[0] != syncer.TriggerManual {
		t.Errorf("triggers: got %v", svc.triggers)
	}
}

func TestSync_ConflictWhileSyncing(t *testing.T) {
	h, svc := newHandler(t)
	svc.syncing = true

	rr := do(t, h, http.MethodPost, "/api/v1/sync", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want 409", rr.Code)
	}
	if len(svc.triggers) != 0 {
		t.Error("Sync must not be called while a pass is running")
	}
}

func TestSync_UnavailableWhenDropped(t *testing.T) {
	h, _ := newHandler(t)
	rr := do(t, h, http.MethodPost, "/api/v1/sync", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rr.Code)
	}
}

// --- /api/v1/autosync -------------------------------------------------------

func TestAutoSync_RoundTrip(t *testing.T) {
	h, _ := newHandler(t)

	rr := get(t, h, "/api/v1/autosync")
	var resp api.AutoSyncResponse
	decode(t, rr, &resp)
	if !resp.Enabled {
		t.Fatal("auto-sync should default to enabled")
	}

	rr = do(t, h, http.MethodPut, "/api/v1/autosync", `{"enabled": false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT status: got %d", rr.Code)
	}

	rr = get(t, h, "/api/v1/autosync")
	decode(t, rr, &resp)
	if resp.Enabled {
		t.Error("auto-sync should be disabled after PUT")
	}
}

func TestAutoSync_BadBody(t *testing.T) {
	h, _ := newHandler(t)
	rr := do(t, h, http.MethodPut, "/api/v1/autosync", `not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rr.Code)
	}
}

// --- /api/v1/records --------------------------------------------------------

func TestRecords_EnqueueAndList(t *testing.T) {
	h, _ := newHandler(t)
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	rr := postRecord(t, h, []byte("\xff\xd8\xffjpeg"), metadataJSON(t, result(at)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201 (body %s)", rr.Code, rr.Body.String())
	}
	var created api.EnqueueResponse
	decode(t, rr, &created)
	if created.ID == "" {
		t.Fatal("expected an id")
	}

	rr = get(t, h, "/api/v1/records")
	var list []api.RecordResponse
	decode(t, rr, &list)
	if len(list) != 1 {
		t.Fatalf("records: got %d, want 1", len(list))
	}
	got := list[0]
	if got.ID != created.ID || got.Status != "pending" || got.RetryCount != 0 {
		t.Errorf("got %+v", got)
	}
	if got.CapturedAt != "2026-03-01T09:30:00Z" {
		t.Errorf("captured_at: got %s", got.CapturedAt)
	}
	if filepath.Ext(got.Blob) != ".jpg" {
		t.Errorf("blob: got %s, want .jpg extension", got.Blob)
	}
}

func TestRecords_FilterByStatus(t *testing.T) {
	h, svc := newHandler(t)
	ctx := context.Background()
	first, _ := svc.store.Enqueue(ctx, []byte("a"), ".jpg", result(time.Now()))
	svc.store.Enqueue(ctx, []byte("b"), ".jpg", result(time.Now().Add(time.Second)))
	if err := svc.store.UpdateStatus(ctx, first, queue.StatusUploading); err != nil {
		t.Fatal(err)
	}

	rr := get(t, h, "/api/v1/records?status=uploading")
	var list []api.RecordResponse
	decode(t, rr, &list)
	if len(list) != 1 || list[0].ID != first {
		t.Errorf("got %+v, want only %s", list, first)
	}

	rr = get(t, h, "/api/v1/records?status=bogus")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bogus status: got %d, want 400", rr.Code)
	}
}

func TestRecords_EnqueueRejectsBadInput(t *testing.T) {
	h, svc := newHandler(t)
	valid := metadataJSON(t, result(time.Now()))
	invalid := result(time.Now())
	invalid.Confidence = 250

	cases := []struct {
		name     string
		image    []byte
		metadata string
	}{
		{"missing image", nil, valid},
		{"missing metadata", []byte("x"), ""},
		{"malformed metadata", []byte("x"), "{"},
		{"out of range", []byte("x"), metadataJSON(t, invalid)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rr := postRecord(t, h, c.image, c.metadata)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400 (body %s)", rr.Code, rr.Body.String())
			}
		})
	}

	n, err := svc.store.CountByStatus(context.Background(), queue.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rejected uploads must not be queued, got %d", n)
	}
}

func TestRecords_NotMultipart(t *testing.T) {
	h, _ := newHandler(t)
	rr := do(t, h, http.MethodPost, "/api/v1/records", `{"image":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rr.Code)
	}
}

// --- /api/v1/failures -------------------------------------------------------

func TestFailures_Limit(t *testing.T) {
	h, _ := newHandler(t)

	rr := get(t, h, "/api/v1/failures")
	var all []notify.Event
	decode(t, rr, &all)
	if len(all) != 2 || all[0].RecordID != "b" {
		t.Errorf("got %+v", all)
	}

	rr = get(t, h, "/api/v1/failures?limit=1")
	var one []notify.Event
	decode(t, rr, &one)
	if len(one) != 1 {
		t.Errorf("limit=1: got %d events", len(one))
	}

	rr = get(t, h, "/api/v1/failures?limit=x")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", rr.Code)
	}
}

func TestFailures_NilLog(t *testing.T) {
	svc := &fakeService{store: newStore(t)}
	h := api.New(svc, svc.store, nil, "test")
	rr := get(t, h, "/api/v1/failures")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body: got %s, want []", body)
	}
}

// Status errors surface as 500 with a JSON error body.
type brokenService struct{ *fakeService }

func (*brokenService) Status(context.Context) (syncer.Status, error) {
	return syncer.Status{}, errors.New("disk gone")
}

func TestStatus_StoreError(t *testing.T) {
	svc := &brokenService{&fakeService{store: newStore(t)}}
	h := api.New(svc, svc.store, nil, "test")
	rr := get(t, h, "/api/v1/status")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["error"] == "" {
		t.Errorf("expected error message, got %v", resp)
	}
}
