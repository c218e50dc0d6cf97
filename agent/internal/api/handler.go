package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/opticourier/opticourier/agent/internal/notify"
	"github.com/opticourier/opticourier/agent/internal/queue"
	"github.com/opticourier/opticourier/agent/internal/syncer"
	"github.com/opticourier/opticourier/pkg/types"
)

// maxUploadBytes bounds a producer submission held in memory.
const maxUploadBytes = 32 << 20

// Service is the orchestrator surface exposed over HTTP.
type Service interface {
	Status(ctx context.Context) (syncer.Status, error)
	Sync(ctx context.Context, trigger syncer.Trigger) (syncer.PassStats, bool)
	IsSyncing() bool
	AutoSyncEnabled(ctx context.Context) (bool, error)
	SetAutoSyncEnabled(ctx context.Context, enabled bool) error
	Enqueue(ctx context.Context, blob []byte, ext string, result types.ResultFields) (string, error)
}

// Records lists queued records.
type Records interface {
	List(ctx context.Context) ([]queue.Record, error)
	ListByStatus(ctx context.Context, status queue.Status) ([]queue.Record, error)
}

// FailureLog returns recent exhausted-record events.
type FailureLog interface {
	Recent(limit int) []notify.Event
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	svc      Service
	records  Records
	failures FailureLog
	version  string
	mux      *http.ServeMux
}

// New creates a Handler and registers all routes. failures may be nil.
func New(svc Service, records Records, failures FailureLog, version string) http.Handler {
	h := &Handler{svc: svc, records: records, failures: failures, version: version, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/status", h.status)
	h.mux.HandleFunc("/api/v1/sync", h.sync)
	h.mux.HandleFunc("/api/v1/autosync", h.autoSync)
	h.mux.HandleFunc("/api/v1/records", h.recordsRoute)
	h.mux.HandleFunc("/api/v1/failures", h.failureList)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
}

// status returns GET /api/v1/status: pending count, syncing, auto-sync and
// connectivity.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := h.svc.Status(r.Context())
	if err != nil {
		slog.Error("api: status", "err", err)
		jsonErr(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	jsonResp(w, http.StatusOK, st)
}

// sync handles POST /api/v1/sync: run a manual pass and return its stats.
func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.svc.IsSyncing() {
		jsonErr(w, http.StatusConflict, "sync already in progress")
		return
	}
	// A client hanging up must not abort the pass.
	stats, ran := h.svc.Sync(context.WithoutCancel(r.Context()), syncer.TriggerManual)
	if !ran {
		if h.svc.IsSyncing() {
			jsonErr(w, http.StatusConflict, "sync already in progress")
			return
		}
		jsonErr(w, http.StatusServiceUnavailable, "collector unreachable")
		return
	}
	jsonResp(w, http.StatusOK, stats)
}

// autoSync handles GET and PUT /api/v1/autosync.
func (h *Handler) autoSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		enabled, err := h.svc.AutoSyncEnabled(r.Context())
		if err != nil {
			slog.Error("api: read auto-sync", "err", err)
			jsonErr(w, http.StatusInternalServerError, "auto-sync preference unavailable")
			return
		}
		jsonResp(w, http.StatusOK, AutoSyncResponse{Enabled: enabled})

	case http.MethodPut:
		var req AutoSyncResponse
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil {
			jsonErr(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
			return
		}
		if err := h.svc.SetAutoSyncEnabled(r.Context(), req.Enabled); err != nil {
			slog.Error("api: write auto-sync", "err", err)
			jsonErr(w, http.StatusInternalServerError, "could not persist preference")
			return
		}
		jsonResp(w, http.StatusOK, req)

	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) recordsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listRecords(w, r)
	case http.MethodPost:
		h.enqueue(w, r)
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// listRecords returns GET /api/v1/records[?status=pending|uploading|failed].
func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	var (
		recs []queue.Record
		err  error
	)
	if s := r.URL.Query().Get("status"); s != "" {
		status, perr := queue.ParseStatus(s)
		if perr != nil {
			jsonErr(w, http.StatusBadRequest, perr.Error())
			return
		}
		recs, err = h.records.ListByStatus(r.Context(), status)
	} else {
		recs, err = h.records.List(r.Context())
	}
	if err != nil {
		slog.Error("api: list records", "err", err)
		jsonErr(w, http.StatusInternalServerError, "could not list records")
		return
	}

	out := make([]RecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordResponse(rec))
	}
	jsonResp(w, http.StatusOK, out)
}

// enqueue handles POST /api/v1/records with the same multipart layout the
// collector accepts: an "image" file part and a "metadata" JSON part.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		jsonErr(w, http.StatusBadRequest, "expected multipart/form-data with image and metadata parts")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, fh, err := r.FormFile("image")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "missing image part")
		return
	}
	defer file.Close()
	blob, err := io.ReadAll(file)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "could not read image part")
		return
	}

	var result types.ResultFields
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &result); err != nil {
		jsonErr(w, http.StatusBadRequest, "metadata part is not valid JSON")
		return
	}

	id, err := h.svc.Enqueue(r.Context(), blob, filepath.Ext(fh.Filename), result)
	if err != nil {
		if errors.Is(err, types.ErrInvalidResult) {
			jsonErr(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("api: enqueue", "err", err)
		jsonErr(w, http.StatusInternalServerError, "could not store record")
		return
	}
	jsonResp(w, http.StatusCreated, EnqueueResponse{ID: id})
}

// failureList returns GET /api/v1/failures[?limit=N]: recently exhausted records.
func (h *Handler) failureList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.failures == nil {
		jsonResp(w, http.StatusOK, []notify.Event{})
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jsonResp(w, http.StatusOK, h.failures.Recent(limit))
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
