package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/opticourier/opticourier/agent/internal/api"
	"github.com/opticourier/opticourier/agent/internal/transport"
	"github.com/opticourier/opticourier/pkg/types"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Metadata      string // path to a JSON metadata file; overrides the result flags
	Prediction    float64
	InferenceTime float64
	CapturedAt    string
	Platform      string
	DeviceVersion string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <image>",
		Short: "Queue an image and its screening result for delivery",
		Long: `Queue an image with its screening result on the running agent. The record
is durable once this command returns and is delivered when the collector is
reachable.

The result is either built from --prediction (class, name and confidence
are derived from it) or read verbatim from a --metadata JSON file.

Example:
  opticourier enqueue eye.jpg --prediction 0.42 --inference-time 0.153
  opticourier enqueue eye.jpg --metadata result.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueImage(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Metadata, "metadata", "", "path to a JSON result document")
	cmd.Flags().Float64Var(&opts.Prediction, "prediction", -1, "raw model output in [0, 1]")
	cmd.Flags().Float64Var(&opts.InferenceTime, "inference-time", 0, "inference duration in seconds")
	cmd.Flags().StringVar(&opts.CapturedAt, "captured-at", "", "capture time, RFC 3339 (default: now)")
	cmd.Flags().StringVar(&opts.Platform, "platform", runtime.GOOS, "producing device platform")
	cmd.Flags().StringVar(&opts.DeviceVersion, "device-version", "", "producing device OS version")

	return cmd
}

func enqueueImage(ctx context.Context, opts *EnqueueOptions, path string, cmd *cobra.Command) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "read image", err)
	}
	result, err := opts.result()
	if err != nil {
		return WrapExitError(ExitCommandError, "build result", err)
	}
	if err := result.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid result", err)
	}

	body, contentType, err := transport.EncodeForm(filepath.Base(path), blob, result)
	if err != nil {
		return WrapExitError(ExitCommandError, "encode upload", err)
	}

	ctx, cancel := context.WithTimeout(orBackground(ctx), requestTimeout)
	defer cancel()

	var resp api.EnqueueResponse
	if err := newDaemonClient(opts.apiBase()).do(ctx, http.MethodPost, "/api/v1/records", body, contentType, &resp); err != nil {
		return exitErrorFor("enqueue", err)
	}
	return opts.formatter(cmd).Success(resp, fmt.Sprintf("queued %s\n", resp.ID))
}

func (o *EnqueueOptions) result() (types.ResultFields, error) {
	if o.Metadata != "" {
		data, err := os.ReadFile(o.Metadata)
		if err != nil {
			return types.ResultFields{}, err
		}
		var r types.ResultFields
		if err := json.Unmarshal(data, &r); err != nil {
			return types.ResultFields{}, fmt.Errorf("parse %s: %w", o.Metadata, err)
		}
		return r, nil
	}

	if o.Prediction < 0 {
		return types.ResultFields{}, fmt.Errorf("either --prediction or --metadata is required")
	}
	capturedAt := time.Now()
	if o.CapturedAt != "" {
		t, err := time.Parse(time.RFC3339, o.CapturedAt)
		if err != nil {
			return types.ResultFields{}, fmt.Errorf("--captured-at: %w", err)
		}
		capturedAt = t
	}
	dev := types.DeviceInfo{Platform: o.Platform, Version: o.DeviceVersion}
	return types.NewResult(o.Prediction, o.InferenceTime, capturedAt, dev), nil
}
