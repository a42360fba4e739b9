// ============================================================================
// printwatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running and inspecting the service
//
// Command Structure:
//   printwatch                     # Root command
//   ├── run                        # Start the reconciliation service
//   ├── status                     # Fleet status from the admin service
//   │   └── --snapshot, -s         # ...or from a status snapshot file
//   ├── quota USER                 # Balance and ledger of one user
//   ├── check-config               # Load and validate the config file
//   ├── --config, -c               # Config file (configs/printwatch.yaml)
//   ├── --env-file                 # Secrets file (.env)
//   └── --log-level                # debug | info | warn | error
//
// run Command (service.go):
//   1. Load config and secrets, open the store
//   2. Log in to the vendor cloud and start token refresh
//   3. Build the device fleet, authorization feed, notifier, snapshot
//      writer and metrics collector
//   4. Start the HTTP API, admin gRPC and metrics servers
//   5. Start the reconciliation loop
//   6. Wait for SIGINT/SIGTERM or a fatal credential error
//
// Shutdown order:
//   loop -> servers -> device connections -> token refresh -> store
//   A fatal credential error runs the same sequence and exits non-zero.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/printwatch/internal/config"
	"github.com/ChuLiYu/printwatch/internal/server"
	"github.com/ChuLiYu/printwatch/internal/snapshot"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

// Version is reported by --version.
var Version = "1.0.0"

type options struct {
	configFile string
	envFile    string
	logLevel   string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "printwatch",
		Short: "printwatch: print authorization and quota metering",
		Long: `printwatch pairs observed 3D-print jobs with user authorizations,
meters per-user filament quota and stops prints nobody claimed.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "file with PRINTWATCH_* secrets")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildQuotaCommand(opts))
	rootCmd.AddCommand(buildCheckConfigCommand(opts))

	return rootCmd
}

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the reconciliation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, opts, cmd, logger)
		},
	}
}

func buildStatusCommand(opts *options) *cobra.Command {
	var addr, snapshotPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show device and job status",
		Long:  "Query the running service's admin endpoint, or read a status snapshot file with --snapshot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				snap types.FleetSnapshot
				err  error
			)
			if snapshotPath != "" {
				snap, err = snapshot.NewManager(snapshotPath).Load()
			} else {
				snap, err = withAdminClient(cmd.Context(), opts, addr, func(ctx context.Context, c *server.Client) (types.FleetSnapshot, error) {
					return c.Status(ctx)
				})
			}
			if err != nil {
				return err
			}
			printStatus(cmd, snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (default: admin.addr from the config)")
	cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "", "read a status snapshot file instead")
	return cmd
}

func buildQuotaCommand(opts *options) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "quota USER",
		Short: "Show a user's quota balance and ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := withAdminClient(cmd.Context(), opts, addr, func(ctx context.Context, c *server.Client) (server.QuotaReport, error) {
				return c.Quota(ctx, args[0])
			})
			if err != nil {
				return err
			}
			printQuota(cmd, report)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (default: admin.addr from the config)")
	return cmd
}

func buildCheckConfigCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config %s OK\n", opts.configFile)
			fmt.Fprintf(out, "  tick interval:   %s\n", cfg.TickInterval())
			fmt.Fprintf(out, "  matching window: %s\n", cfg.MatchingWindow())
			fmt.Fprintf(out, "  tolerance:       %s\n", cfg.Tolerance())
			fmt.Fprintf(out, "  grace period:    %s\n", cfg.GracePeriod())
			fmt.Fprintf(out, "  quota:           %.0fg per %s, %d exempt\n",
				cfg.Quota.DefaultQuotaGrams, cfg.Quota.Period, len(cfg.Quota.ExemptUsers))
			fmt.Fprintf(out, "  store:           %s\n", cfg.Store.Path)
			if cfg.Feed.SpreadsheetID == "" {
				fmt.Fprintln(out, "  feed:            not configured, no authorizations will be ingested")
			}
			if cfg.Notify.AMQPURL == "" {
				fmt.Fprintln(out, "  notify:          disabled")
			}
			return nil
		},
	}
}

// withAdminClient dials the admin service and runs fn with a timeout.
func withAdminClient[T any](ctx context.Context, opts *options, addr string, fn func(context.Context, *server.Client) (T, error)) (T, error) {
	var zero T
	if addr == "" {
		cfg, err := config.Load(opts.configFile)
		if err != nil {
			return zero, fmt.Errorf("failed to load config: %w", err)
		}
		addr = dialAddr(cfg.Admin.Addr)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return zero, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := fn(ctx, server.NewClient(conn))
	if server.IsUnavailable(err) {
		return zero, fmt.Errorf("admin service at %s unavailable (is 'printwatch run' running?): %w", addr, err)
	}
	return out, err
}

// dialAddr turns a listen address like ":50051" into a dialable one.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func printStatus(cmd *cobra.Command, snap types.FleetSnapshot) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Generated %s\n\n", snap.GeneratedAt.Local().Format(time.DateTime))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSTATUS\tSTATE\tPROGRESS\tJOB\tUSER")
	for _, d := range snap.Devices {
		state, progress := "-", "-"
		if d.Telemetry != nil {
			state = string(d.Telemetry.State)
			progress = fmt.Sprintf("%d%%", d.Telemetry.Progress)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.Name, d.Status, state, progress, orDash(string(d.JobID)), orDash(d.User))
	}
	w.Flush()

	fmt.Fprintf(out, "\nJobs: %d unmatched, %d current, %d archived\n",
		snap.Stats.UnmatchedJobs, snap.Stats.CurrentJobs, snap.Stats.ArchivedJobs)
	fmt.Fprintf(out, "Authorizations: %d unmatched, %d archived\n",
		snap.Stats.UnmatchedAuths, snap.Stats.ArchivedAuths)
}

func printQuota(cmd *cobra.Command, report server.QuotaReport) {
	out := cmd.OutOrStdout()
	switch {
	case report.Exempt:
		fmt.Fprintf(out, "%s: exempt\n", report.User)
	case report.Balance != nil:
		fmt.Fprintf(out, "%s: %.1fg remaining in %s\n", report.User, *report.Balance, report.Period)
	}
	for _, e := range report.Ledger {
		fmt.Fprintf(out, "  %s\t%.1fg\n", e.Period, e.Balance)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
