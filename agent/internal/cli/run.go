package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opticourier/opticourier/agent/internal/api"
	"github.com/opticourier/opticourier/agent/internal/config"
	"github.com/opticourier/opticourier/agent/internal/metrics"
	"github.com/opticourier/opticourier/agent/internal/netwatch"
	"github.com/opticourier/opticourier/agent/internal/notify"
	"github.com/opticourier/opticourier/agent/internal/queue"
	"github.com/opticourier/opticourier/agent/internal/syncer"
	"github.com/opticourier/opticourier/agent/internal/transport"
	"github.com/opticourier/opticourier/agent/internal/ws"
)

const (
	statusPushInterval = 2 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var logFormat string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent daemon",
		Long: `Run the agent: open the local queue, watch collector reachability, deliver
queued records and serve the control API.

Records left mid-upload by a previous run are reset to pending before the
first pass. The log level follows the config file and is reloaded when the
file changes.

Example:
  opticourier run --config /etc/opticourier/config.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(rootOpts, logFormat, cmd)
		},
	}
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log output format (json|text)")
	return cmd
}

func runDaemon(opts *RootOptions, logFormat string, cmd *cobra.Command) error {
	if logFormat != "json" && logFormat != "text" {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid log format %q: must be json or text", logFormat))
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Agent.Level())
	if opts.Verbose {
		level.Set(slog.LevelDebug)
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(cmd.ErrOrStderr(), hopts)
	if logFormat == "text" {
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), hopts)
	}
	slog.SetDefault(slog.New(handler))

	ctx, cancel := signal.NotifyContext(orBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := newDaemon(ctx, cfg.Agent, opts.Version)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start agent", err)
	}
	defer d.close()

	ln, err := net.Listen("tcp", cfg.Agent.API.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to bind control API", err)
	}

	go func() {
		err := config.Watch(ctx, opts.Config, func(updated *config.Config) {
			if opts.Verbose {
				return
			}
			level.Set(updated.Agent.Level())
			slog.Info("agent: log level updated", "level", updated.Agent.Level().String())
		})
		if err != nil {
			slog.Error("agent: config watcher stopped", "err", err)
		}
	}()

	slog.Info("agent: starting",
		"version", opts.Version,
		"collector", cfg.Agent.Collector.Endpoint,
		"probe", cfg.Agent.Connectivity.Probe.Mode,
		"api", ln.Addr().String(),
		"data_dir", cfg.Agent.DataDir,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Agent running; control API on http://%s\n", ln.Addr())

	if err := d.serve(ctx, ln); err != nil {
		return WrapExitError(ExitFailure, "agent error", err)
	}
	slog.Info("agent: stopped")
	return nil
}

// daemon owns every long-lived component of a running agent.
type daemon struct {
	store    *queue.Store
	notifier *notify.Notifier
	observer *netwatch.Observer
	orch     *syncer.Orchestrator
	hub      *ws.Hub
	handler  http.Handler
}

func newDaemon(ctx context.Context, cfg config.AgentConfig, version string) (*daemon, error) {
	st, err := queue.Open(cfg.DBPath(), cfg.BlobDir())
	if err != nil {
		return nil, err
	}
	if err := st.EnsureAutoSync(ctx, cfg.Sync.AutoSync()); err != nil {
		st.Close()
		return nil, err
	}

	prober, err := netwatch.NewProber(cfg.Connectivity, cfg.Collector)
	if err != nil {
		st.Close()
		return nil, err
	}
	uploader, err := transport.New(cfg.Collector)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := metrics.New()
	notifier := notify.New(cfg.Notify)
	observer := netwatch.New(prober, cfg.Connectivity)
	orch := syncer.New(st, uploader, observer, syncer.PolicyFrom(cfg.Sync),
		syncer.WithNotifier(notifier),
		syncer.WithMetrics(m),
	)
	hub := ws.New(orch, statusPushInterval)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", api.New(orch, st, notifier, version))
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/ws/status", hub)

	return &daemon{store: st, notifier: notifier, observer: observer, orch: orch, hub: hub, handler: mux}, nil
}

// serve runs all components until ctx ends or one of them fails, then shuts
// the API down and waits for in-flight sync work.
func (d *daemon) serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{Handler: d.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		d.observer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := d.orch.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("agent: api shutdown", "err", err)
	}
	wg.Wait()
	d.orch.Wait()
	return runErr
}

func (d *daemon) close() {
	d.notifier.Close()
	if err := d.store.Close(); err != nil {
		slog.Error("agent: close store", "err", err)
	}
}
