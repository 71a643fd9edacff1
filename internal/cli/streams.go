package cli

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

func newStreamsCmd() *cobra.Command {
	var (
		verboseOut bool
		prefix     string
	)

	cmd := &cobra.Command{
		Use:   "streams <group>",
		Short: "List a log group's streams",
		Long: `List the streams of a log group, sorted by name.

With --verbose each stream's first and last event timestamps are shown.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			_, client, err := newLogsClient(ctx)
			if err != nil {
				return err
			}
			return printStreams(ctx, client, args[0], prefix, verboseOut, false)
		},
	}

	cmd.Flags().BoolVarP(&verboseOut, "verbose", "v", false, "Show first/last event timestamps")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Filter streams by name prefix")

	return cmd
}

// formatOptMillis renders an optional epoch-milliseconds value as local
// RFC 3339, or empty when absent.
func formatOptMillis(ms *int64) string {
	if ms == nil {
		return ""
	}
	return time.UnixMilli(*ms).Local().Format(time.RFC3339)
}
