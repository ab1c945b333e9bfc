package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/poll"
	"github.com/spf13/cobra"
)

var (
	statusWatch      bool
	statusUntilReady bool
	statusInterval   time.Duration
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of the running dev session",
	Long: `Show readiness, next actions and new log lines of the running dev session.

Log lines are shared between every consumer of the status endpoint: each call returns
the lines logged since the previous call by anyone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := NewClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if !statusWatch && !statusUntilReady {
			var st api.DevStatus
			if err := client.GetJSON(cmd.Context(), "/dev-status", &st); err != nil {
				return err
			}
			if handled, err := printStructured(out, outputFormat, st); handled {
				return err
			}
			printStatus(out, st)
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watchStatus(ctx, client, out)
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Keep polling and stream new log lines")
	statusCmd.Flags().BoolVar(&statusUntilReady, "until-ready", false, "Poll until the session is READY, then exit")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", poll.DefaultInitial, "Initial poll interval")

	rootCmd.AddCommand(statusCmd)
}

func watchStatus(ctx context.Context, client *APIClient, out io.Writer) error {
	headerPrinted := false
	poller := &poll.Poller[api.DevStatus]{
		Initial: statusInterval,
		Poll: func(ctx context.Context) (poll.Step[api.DevStatus], error) {
			var st api.DevStatus
			if err := client.GetJSON(ctx, "/dev-status", &st); err != nil {
				return poll.Step[api.DevStatus]{}, err
			}
			return poll.Step[api.DevStatus]{
				Value:      st,
				Done:       statusUntilReady && st.Status == api.StatusReady,
				Progressed: len(st.Logs) > 0,
			}, nil
		},
		OnStep: func(step poll.Step[api.DevStatus]) {
			if handled, _ := printStructured(out, outputFormat, step.Value); handled {
				return
			}
			if !headerPrinted {
				printStatus(out, step.Value)
				headerPrinted = true
				return
			}
			printLogs(out, step.Value.Logs)
		},
	}

	st, err := poller.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	if statusUntilReady {
		fmt.Fprintf(out, "Dev session is %s\n", st.Status)
	}
	return nil
}

func printStatus(out io.Writer, st api.DevStatus) {
	fmt.Fprintf(out, "Status:   %s\n", st.Status)
	fmt.Fprintf(out, "App:      %s (%s)\n", st.Manifest.Name, st.Manifest.ClientID)
	fmt.Fprintf(out, "Modules:  %d\n", len(st.Manifest.Modules))
	if st.PreviewURL != "" {
		fmt.Fprintf(out, "Preview:  %s\n", st.PreviewURL)
	}
	for _, action := range st.NextActions {
		fmt.Fprintf(out, "\nNext action (%s): %s\n", action.Type, action.Message)
		if action.GraphQL != "" {
			fmt.Fprintln(out, action.GraphQL)
		}
	}
	if len(st.Logs) > 0 {
		fmt.Fprintln(out)
	}
	printLogs(out, st.Logs)
}

func printLogs(out io.Writer, logs []api.LogEntry) {
	for _, entry := range logs {
		fmt.Fprintf(out, "%s %-5s [%s] %s\n", entry.Timestamp.Local().Format("15:04:05"), entry.Level, entry.Source, entry.Message)
	}
}
