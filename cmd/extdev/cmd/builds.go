package cmd

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/extdev/extdev/internal/api"
	"github.com/spf13/cobra"
)

var buildsLimit int

// buildsCmd represents the builds command
var buildsCmd = &cobra.Command{
	Use:   "builds",
	Short: "List recent builds of the running dev session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := NewClient()
		if err != nil {
			return err
		}

		var apiResp struct {
			Data []api.BuildRecord `json:"data"`
		}
		if err := client.GetJSON(cmd.Context(), "/dev-status/builds?limit="+strconv.Itoa(buildsLimit), &apiResp); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := printStructured(out, outputFormat, apiResp.Data); handled {
			return err
		}
		printBuilds(out, apiResp.Data)
		return nil
	},
}

func init() {
	buildsCmd.Flags().IntVarP(&buildsLimit, "limit", "n", 20, "Maximum number of builds to list")

	rootCmd.AddCommand(buildsCmd)
}

func printBuilds(out io.Writer, records []api.BuildRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No builds recorded yet.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EXTENSION\tEVENT\tSTATUS\tFINISHED\tERROR")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", record.Handle, record.EventType, record.Status, humanize.Time(record.FinishedAt), firstLine(record.Error))
	}
	w.Flush()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " ..."
		}
	}
	return s
}
