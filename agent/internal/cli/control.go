package cli

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opticourier/opticourier/agent/internal/api"
	"github.com/opticourier/opticourier/agent/internal/metrics"
	"github.com/opticourier/opticourier/agent/internal/notify"
	"github.com/opticourier/opticourier/agent/internal/syncer"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Metrics bool
}

// StatusReport is the status command's output.
type StatusReport struct {
	syncer.Status
	Counters *CounterSummary `json:"counters,omitempty"`
}

// CounterSummary is read from the agent's /metrics endpoint.
type CounterSummary struct {
	Enqueued        float64 `json:"enqueued"`
	UploadsOK       float64 `json:"uploads_ok"`
	UploadsFailed   float64 `json:"uploads_failed"`
	RecordsFailed   float64 `json:"records_failed"`
	Passes          float64 `json:"passes"`
	PassesDropped   float64 `json:"passes_dropped"`
	RecoveredOnBoot float64 `json:"recovered"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending count, sync and connectivity state",
		Long: `Show the running agent's status: how many records are still eligible for
delivery, whether a sync pass is running, the auto-sync preference, the last
observed collector reachability and the most recent pass.

Example:
  opticourier status
  opticourier status --metrics --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "include counters from /metrics")
	return cmd
}

func showStatus(ctx context.Context, opts *StatusOptions, cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(orBackground(ctx), requestTimeout)
	defer cancel()

	base := opts.apiBase()
	c := newDaemonClient(base)

	var report StatusReport
	if err := c.getJSON(ctx, "/api/v1/status", &report.Status); err != nil {
		return exitErrorFor("read status", err)
	}
	if opts.Metrics {
		mfs, err := metrics.Fetch(ctx, c.http, base+"/metrics")
		if err != nil {
			return exitErrorFor("read metrics", err)
		}
		report.Counters = &CounterSummary{
			Enqueued:        metrics.Sum(mfs["opticourier_records_enqueued_total"]),
			UploadsOK:       metrics.SumWhere(mfs["opticourier_uploads_total"], "result", "success"),
			UploadsFailed:   metrics.SumWhere(mfs["opticourier_uploads_total"], "result", "failure"),
			RecordsFailed:   metrics.Sum(mfs["opticourier_records_failed_total"]),
			Passes:          metrics.Sum(mfs["opticourier_sync_passes_total"]),
			PassesDropped:   metrics.Sum(mfs["opticourier_sync_passes_dropped_total"]),
			RecoveredOnBoot: metrics.Sum(mfs["opticourier_records_recovered_total"]),
		}
	}
	return opts.formatter(cmd).Success(report, statusText(report))
}

func statusText(r StatusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pending:    %d\n", r.Pending)
	fmt.Fprintf(&b, "syncing:    %t\n", r.Syncing)
	fmt.Fprintf(&b, "auto-sync:  %s\n", onOff(r.AutoSync))
	fmt.Fprintf(&b, "collector:  %s\n", reachable(r.Connected))
	if lp := r.LastPass; lp != nil {
		fmt.Fprintf(&b, "last pass:  %s (%s) %s\n", lp.StartedAt.Format("2006-01-02 15:04:05"), lp.Trigger, passSummary(*lp))
	}
	if c := r.Counters; c != nil {
		fmt.Fprintf(&b, "enqueued:   %.0f\n", c.Enqueued)
		fmt.Fprintf(&b, "uploads:    %.0f ok, %.0f failed\n", c.UploadsOK, c.UploadsFailed)
		fmt.Fprintf(&b, "exhausted:  %.0f\n", c.RecordsFailed)
		fmt.Fprintf(&b, "passes:     %.0f run, %.0f dropped\n", c.Passes, c.PassesDropped)
	}
	return b.String()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a manual sync pass now",
		Long: `Ask the running agent to deliver queued records now. Manual sync ignores
the auto-sync preference but still requires the collector to be reachable.
The command waits for the pass to finish and prints its summary.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), syncTimeout)
			defer cancel()

			var stats syncer.PassStats
			if err := newDaemonClient(rootOpts.apiBase()).sendJSON(ctx, http.MethodPost, "/api/v1/sync", struct{}{}, &stats); err != nil {
				return exitErrorFor("sync", err)
			}
			return rootOpts.formatter(cmd).Success(stats, passSummary(stats)+"\n")
		},
	}
}

// NewAutoSyncCommand creates the autosync command.
func NewAutoSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "autosync [on|off]",
		Short: "Show or set the auto-sync preference",
		Long: `Without an argument, print whether automatic triggers (connectivity,
startup, enqueue, timer) may start sync passes. With "on" or "off", persist
a new preference. Turning auto-sync off does not interrupt a running pass.`,
		Args:          cobra.MaximumNArgs(1),
		ValidArgs:     []string{"on", "off"},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()
			c := newDaemonClient(rootOpts.apiBase())

			var resp api.AutoSyncResponse
			if len(args) == 0 {
				if err := c.getJSON(ctx, "/api/v1/autosync", &resp); err != nil {
					return exitErrorFor("read auto-sync", err)
				}
				return rootOpts.formatter(cmd).Success(resp, "auto-sync: "+onOff(resp.Enabled)+"\n")
			}

			var enabled bool
			switch strings.ToLower(args[0]) {
			case "on", "true", "enable":
				enabled = true
			case "off", "false", "disable":
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid argument %q: want on or off", args[0]))
			}
			if err := c.sendJSON(ctx, http.MethodPut, "/api/v1/autosync", api.AutoSyncResponse{Enabled: enabled}, &resp); err != nil {
				return exitErrorFor("set auto-sync", err)
			}
			return rootOpts.formatter(cmd).Success(resp, "auto-sync: "+onOff(resp.Enabled)+"\n")
		},
	}
}

// RecordsOptions holds flags for the records command.
type RecordsOptions struct {
	*RootOptions
	Status string
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "records",
		Short:         "List queued records in delivery order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			path := "/api/v1/records"
			if opts.Status != "" {
				path += "?status=" + opts.Status
			}
			var recs []api.RecordResponse
			if err := newDaemonClient(opts.apiBase()).getJSON(ctx, path, &recs); err != nil {
				return exitErrorFor("list records", err)
			}
			return opts.formatter(cmd).Success(recs, recordsText(recs))
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "only records in this state (pending|uploading|failed)")
	return cmd
}

func recordsText(recs []api.RecordResponse) string {
	if len(recs) == 0 {
		return "no queued records\n"
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tRETRIES\tCAPTURED\tCLASS\tLAST ERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.Status, r.RetryCount, r.CapturedAt, r.Result.ClassName, r.LastError)
	}
	tw.Flush()
	return b.String()
}

// NewFailuresCommand creates the failures command.
func NewFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "failures",
		Short:         "List records that recently reached the retry cap",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(orBackground(cmd.Context()), requestTimeout)
			defer cancel()

			var events []notify.Event
			path := fmt.Sprintf("/api/v1/failures?limit=%d", limit)
			if err := newDaemonClient(rootOpts.apiBase()).getJSON(ctx, path, &events); err != nil {
				return exitErrorFor("list failures", err)
			}
			return rootOpts.formatter(cmd).Success(events, failuresText(events))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of events (0 for all)")
	return cmd
}

func failuresText(events []notify.Event) string {
	if len(events) == 0 {
		return "no failed records\n"
	}
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "%s  %s  retries=%d  %s\n", ev.FailedAt.Format("2006-01-02 15:04:05"), ev.RecordID, ev.RetryCount, ev.LastError)
	}
	return b.String()
}

func passSummary(s syncer.PassStats) string {
	out := fmt.Sprintf("%d attempted, %d delivered, %d failed, %d exhausted", s.Attempted, s.Succeeded, s.Failed, s.Exhausted)
	if s.Interrupted {
		out += " (interrupted)"
	}
	return out
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func reachable(v bool) string {
	if v {
		return "reachable"
	}
	return "unreachable"
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
