package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/opticourier/opticourier/pkg/types"
)

// Form field names expected by the collector.
const (
	FieldImage    = "image"
	FieldMetadata = "metadata"
)

// maxErrorBody bounds how much of a failed response body is kept in the error.
const maxErrorBody = 512

// Payload is one record's worth of upload input.
type Payload struct {
	BlobPath string
	Result   types.ResultFields
}

// Uploader is the interface the sync orchestrator depends on.
type Uploader interface {
	Upload(ctx context.Context, p Payload) error
}

// Upload sends p to the collector. It returns nil on HTTP 200 or 201 and a
// *Failure otherwise. The attempt is bounded by the client's timeout.
func (c *Client) Upload(ctx context.Context, p Payload) error {
	if err := p.Result.Validate(); err != nil {
		return &Failure{Kind: KindInvalid, Err: err}
	}
	blob, err := os.ReadFile(p.BlobPath)
	if err != nil {
		return &Failure{Kind: KindLocal, Err: err}
	}

	body, contentType, err := EncodeForm(filepath.Base(p.BlobPath), blob, p.Result)
	if err != nil {
		return &Failure{Kind: KindLocal, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return &Failure{Kind: KindLocal, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		slog.Debug("transport: upload accepted", "blob", filepath.Base(p.BlobPath), "status", resp.StatusCode)
		return nil
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Failure{Kind: KindServer, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
}

// EncodeForm builds the multipart body and returns it together with its
// Content-Type header value.
func EncodeForm(filename string, blob []byte, result types.ResultFields) (*bytes.Buffer, string, error) {
	meta, err := EncodeMetadata(result)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	imgHeader := make(textproto.MIMEHeader)
	imgHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldImage, filename))
	imgHeader.Set("Content-Type", http.DetectContentType(blob))
	iw, err := mw.CreatePart(imgHeader)
	if err != nil {
		return nil, "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := iw.Write(blob); err != nil {
		return nil, "", fmt.Errorf("write image part: %w", err)
	}

	metaHeader := make(textproto.MIMEHeader)
	metaHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, FieldMetadata))
	metaHeader.Set("Content-Type", "application/json")
	metaw, err := mw.CreatePart(metaHeader)
	if err != nil {
		return nil, "", fmt.Errorf("create metadata part: %w", err)
	}
	if _, err := metaw.Write(meta); err != nil {
		return nil, "", fmt.Errorf("write metadata part: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// EncodeMetadata renders result as the JSON document sent in the metadata part.
func EncodeMetadata(result types.ResultFields) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}
