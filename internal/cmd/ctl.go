package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/fmaxsweep/internal/server"
	"github.com/3leaps/fmaxsweep/pkg/control"
	"github.com/3leaps/fmaxsweep/pkg/monitor"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Steer a running sweep through its control server",
	Long: `Send commands to, or read the state of, a sweep started with --serve.

The server address defaults to the one published by the running sweep,
then to server.host/server.port from the configuration.

Example:
  fmaxsweep ctl snapshot
  fmaxsweep ctl snapshot --logs alu/fast
  fmaxsweep ctl pause alu/fast
  fmaxsweep ctl kill fifo/small+width/8`,
}

var ctlSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the state of every job",
	Args:  cobra.NoArgs,
	RunE:  runCtlSnapshot,
}

var (
	ctlAddr    string
	ctlTimeout time.Duration
	ctlJSON    bool
	ctlLogs    string
)

func init() {
	rootCmd.AddCommand(ctlCmd)
	ctlCmd.AddCommand(ctlSnapshotCmd)

	for _, kind := range []control.Kind{control.KindPause, control.KindStart, control.KindKill, control.KindOpen} {
		ctlCmd.AddCommand(newCtlCommand(kind))
	}

	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "", "Control server address (host:port or URL)")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 30*time.Second, "Request timeout")
	ctlSnapshotCmd.Flags().BoolVar(&ctlJSON, "json", false, "Output as JSON")
	ctlSnapshotCmd.Flags().StringVar(&ctlLogs, "logs", "", "Include the stdout tail of this job")
}

var ctlShort = map[control.Kind]string{
	control.KindPause: "Suspend a running job and free its slot",
	control.KindStart: "Resume a paused job",
	control.KindKill:  "Kill a job; its directory is kept",
	control.KindOpen:  "Open a job's directory with the configured command",
}

func newCtlCommand(kind control.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   string(kind) + " <job_id>",
		Short: ctlShort[kind],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctlClient(cmd)
			if err != nil {
				return err
			}
			command := control.Command{Kind: kind, JobID: args[0]}
			if err := c.Submit(cmd.Context(), command); err != nil {
				return ctlError(command.String(), err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", command)
			return nil
		},
	}
}

func runCtlSnapshot(cmd *cobra.Command, _ []string) error {
	c, err := ctlClient(cmd)
	if err != nil {
		return err
	}
	snap, err := c.SnapshotContext(cmd.Context(), ctlLogs)
	if err != nil {
		return ctlError("snapshot", err)
	}

	out := cmd.OutOrStdout()
	if ctlJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printSnapshot(out, snap)
	return nil
}

func printSnapshot(w io.Writer, snap control.Snapshot) {
	_, _ = fmt.Fprintf(w, "run %s at %s\n", snap.RunID, snap.Time.UTC().Format(time.RFC3339))
	for _, line := range monitor.Render(snap.Jobs) {
		_, _ = fmt.Fprintln(w, line)
	}
	if len(snap.Logs) > 0 {
		_, _ = fmt.Fprintln(w, "\n--- logs ---")
		for _, line := range snap.Logs {
			_, _ = fmt.Fprintln(w, line)
		}
	}
}

func ctlClient(cmd *cobra.Command) (*server.Client, error) {
	addr := ctlAddr
	if addr == "" {
		if published, err := readServerAddr(); err == nil && published != "" {
			addr = published
		}
	}
	if addr == "" {
		cfg, err := currentConfig(cmd.Context())
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
		addr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	}
	return server.NewClient(addr, ctlTimeout), nil
}

func ctlError(what string, err error) error {
	var apiErr *server.APIError
	switch {
	case errors.Is(err, control.ErrUnknownJob), errors.Is(err, control.ErrUnknownCommand), errors.Is(err, control.ErrInvalidState):
		return exitError(foundry.ExitInvalidArgument, what+" rejected", err)
	case errors.As(err, &apiErr):
		return exitError(foundry.ExitExternalServiceUnavailable, what+" failed", err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Control server unreachable", err)
	}
}
