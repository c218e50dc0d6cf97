package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opticourier/opticourier/agent/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config  string
	Addr    string // control API base URL; derived from Config when empty
	Format  string // "json" | "text"
	Verbose bool
	Version string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the agent CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:   "opticourier",
		Short: "Offline-first delivery agent for screening results",
		Long: `opticourier queues captured images with their screening results on the
device and delivers them to the collector once it is reachable.

Run the agent daemon with "opticourier run"; the other commands talk to a
running daemon over its local control API.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "control API URL (default: from config api.listen)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewAutoSyncCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))
	cmd.AddCommand(NewFailuresCommand(opts))

	return cmd
}

// apiBase resolves the control API base URL: --addr wins, then the config
// file's api.listen, then the built-in default.
func (o *RootOptions) apiBase() string {
	addr := o.Addr
	if addr == "" {
		addr = config.DefaultAPIListen
		if cfg, err := config.Load(o.Config); err == nil {
			addr = cfg.Agent.API.Listen
		}
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
