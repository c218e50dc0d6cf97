package receiver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/opticourier/opticourier/collector/internal/store"
	"github.com/opticourier/opticourier/pkg/types"
)

// UploadResponse is returned by a successful POST /api/v1/uploads.
type UploadResponse struct {
	ID        string `json:"id"`
	ClassName string `json:"className"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Uploads int    `json:"uploads"`
	Version string `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Receiver accepts uploads from agents.
type Receiver struct {
	store    *store.Store
	dir      string
	maxBytes int64
	version  string
	mux      *http.ServeMux
}

// New creates a Receiver that writes images under dir and indexes them in st.
// The directory is created if needed.
func New(st *store.Store, dir string, maxBytes int64, version string) (*Receiver, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("receiver: create storage dir: %w", err)
	}
	r := &Receiver{store: st, dir: dir, maxBytes: maxBytes, version: version, mux: http.NewServeMux()}
	r.mux.HandleFunc("/api/v1/uploads", r.uploads)
	r.mux.HandleFunc("/health", r.health)
	return r, nil
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// --- route handlers ---------------------------------------------------------

func (r *Receiver) health(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "healthy", Uploads: r.store.Count(), Version: r.version})
}

func (r *Receiver) uploads(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.accept(w, req)
	case http.MethodGet:
		jsonResp(w, http.StatusOK, r.store.List())
	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Receiver) accept(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, r.maxBytes)
	if err := req.ParseMultipartForm(r.maxBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		jsonErr(w, http.StatusBadRequest, "expected multipart/form-data with image and metadata parts")
		return
	}
	defer req.MultipartForm.RemoveAll() //nolint:errcheck

	file, fh, err := req.FormFile("image")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "missing image part")
		return
	}
	defer file.Close()
	if ct := fh.Header.Get("Content-Type"); !acceptableImageType(ct) {
		jsonErr(w, http.StatusBadRequest, "file must be an image")
		return
	}
	blob, err := io.ReadAll(file)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "could not read image part")
		return
	}
	if len(blob) == 0 {
		jsonErr(w, http.StatusBadRequest, "empty file")
		return
	}

	var result types.ResultFields
	if err := json.Unmarshal([]byte(req.FormValue("metadata")), &result); err != nil {
		jsonErr(w, http.StatusBadRequest, "metadata part is not valid JSON")
		return
	}
	if err := result.Validate(); err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		jsonErr(w, http.StatusInternalServerError, "could not allocate id")
		return
	}
	name := id.String() + imageExt(fh.Filename)
	path, err := r.save(name, blob)
	if err != nil {
		slog.Error("receiver: save image", "err", err)
		jsonErr(w, http.StatusInternalServerError, "could not store image")
		return
	}

	r.store.Put(&store.Submission{
		ID:        id.String(),
		ImagePath: path,
		Image:     name,
		Size:      int64(len(blob)),
		Result:    result,
	})
	slog.Debug("receiver: upload stored",
		"id", id.String(),
		"class", result.ClassName,
		"platform", result.DeviceInfo.Platform,
		"bytes", len(blob),
	)
	jsonResp(w, http.StatusCreated, UploadResponse{ID: id.String(), ClassName: result.ClassName})
}

// save writes blob to the storage dir via a temp file and rename so a reader
// never sees a partial image.
func (r *Receiver) save(name string, blob []byte) (string, error) {
	tmp, err := os.CreateTemp(r.dir, "upload-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	dst := filepath.Join(r.dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return dst, nil
}

// acceptableImageType allows an absent type, any image/* type and the
// generic octet-stream some clients send.
func acceptableImageType(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "image/") || mt == "application/octet-stream"
}

func imageExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "" || len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		return ".bin"
	}
	return ext
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
