package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
	"github.com/davidthor/cwaxe/pkg/livetail"
	"github.com/davidthor/cwaxe/pkg/timespec"
	"github.com/davidthor/cwaxe/pkg/transform"
)

func newLogCmd() *cobra.Command {
	var (
		tail           bool
		start          string
		end            string
		length         string
		filter         string
		replaceRule    string
		datetimeFormat string
		ui             bool
		chunkSize      int
	)

	cmd := &cobra.Command{
		Use:     "log <group> [stream]",
		Aliases: []string{"logs"},
		Short:   "Show log events",
		Long: `Show log events from a CloudWatch log group.

With a stream name, events come from that stream. Without one, events are
merged across all streams in the group. With --tail, new events stream
live until interrupted.

Time expressions for --start/--end:
  2024-01-02T03:04:05.678Z   RFC 3339
  10m, 1m30s, 2d             offset before now (d/h/m/s; bare number = seconds)
  12:34                      local time of day (yesterday if still ahead)
  12:34Z                     UTC time of day
  1700000000                 epoch seconds or milliseconds
  2024-01-02                 local midnight

Filtering:
  --filter uses the CloudWatch filter pattern syntax and is evaluated
  server-side. --replace applies a client-side regex substitution:
  '<delim><pattern><delim><replacement>', e.g. '/(\d{4})[^|]+/$1'.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			group := args[0]
			var streams []string
			if len(args) == 2 {
				streams = append(streams, args[1])
			}

			// The config file can set the datetime format; the flag wins.
			if !cmd.Flags().Changed("datetime-format") && viper.IsSet("datetime_format") {
				datetimeFormat = viper.GetString("datetime_format")
			}

			var rule *transform.Rule
			if replaceRule != "" {
				var err error
				rule, err = transform.ParseRule(replaceRule)
				if err != nil {
					return err
				}
			}
			formatter, err := transform.NewFormatter(datetimeFormat, rule, time.Local)
			if err != nil {
				return err
			}

			if tail {
				if ui {
					return &cwlogs.ParseError{Reason: "--ui does not work with --tail"}
				}
				if end != "" || length != "" {
					return &cwlogs.ParseError{Reason: "--tail supports neither --end nor --length"}
				}
				return runTail(ctx, group, streams, filter, formatter)
			}

			now := time.Now()
			startAt, endAt, err := timespec.Window(start, end, length, now, time.Local)
			if err != nil {
				return err
			}

			query := cwlogs.Query{
				Group:         group,
				Streams:       streams,
				Start:         startAt,
				End:           endAt,
				FilterPattern: filter,
				ChunkSize:     chunkSize,
			}
			log.Debug().Str("query", query.String()).Msg("running batch query")

			if ui {
				if !term.IsTerminal(int(os.Stdout.Fd())) {
					return &cwlogs.ParseError{Reason: "--ui requires a terminal on stdout"}
				}
				return runBatchUI(ctx, query, formatter)
			}
			return runBatch(ctx, query, formatter)
		},
	}

	cmd.Flags().BoolVarP(&tail, "tail", "t", false, "Stream live events; start, end, length and ui are not supported")
	cmd.Flags().StringVarP(&start, "start", "s", "60m", "Start time")
	cmd.Flags().StringVarP(&end, "end", "e", "", "End time, same format as --start")
	cmd.Flags().StringVarP(&length, "length", "l", "", "Window length from start, e.g. 5m (mutually exclusive with --end)")
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "Server-side CloudWatch filter pattern, forwarded verbatim")
	cmd.Flags().StringVarP(&replaceRule, "replace", "r", "", "Client-side message replace rule '<delim><pattern><delim><replacement>'")
	cmd.Flags().StringVarP(&datetimeFormat, "datetime-format", "d", transform.DefaultDatetimeFormat, "Output datetime format (strftime style)")
	cmd.Flags().BoolVarP(&ui, "ui", "u", false, "Show results in a scrollable viewer")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 1000, fmt.Sprintf("Records per page, maximum %d", cwlogs.MaxChunkSize))

	return cmd
}

// runBatch pages through the window and prints each formatted event.
func runBatch(ctx context.Context, query cwlogs.Query, formatter *transform.Formatter) error {
	_, client, err := newLogsClient(ctx)
	if err != nil {
		return err
	}
	pager, err := client.Events(query)
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	writeErr := error(nil)
	err = cwlogs.EachEvent(ctx, pager, func(ev cwlogs.LogEvent) bool {
		if _, werr := fmt.Fprintln(out, formatter.Line(ev)); werr != nil {
			writeErr = fmt.Errorf("cannot write to stdout: %w", werr)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	return writeErr
}

// runBatchUI collects the window into memory and opens the viewer.
func runBatchUI(ctx context.Context, query cwlogs.Query, formatter *transform.Formatter) error {
	_, client, err := newLogsClient(ctx)
	if err != nil {
		return err
	}
	pager, err := client.Events(query)
	if err != nil {
		return err
	}

	var rows []uiRow
	err = cwlogs.EachEvent(ctx, pager, func(ev cwlogs.LogEvent) bool {
		rows = append(rows, uiRow{
			Datetime: formatter.Datetime(ev.Timestamp),
			Message:  formatter.Message(ev),
		})
		return true
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "No events in the requested window.")
		return nil
	}
	return runViewer(rows)
}

// runTail opens a live-tail session and prints events until interrupted.
func runTail(ctx context.Context, group string, streams []string, filter string, formatter *transform.Formatter) error {
	cfg, client, err := newLogsClient(ctx)
	if err != nil {
		return err
	}
	arn, err := client.GroupARN(ctx, group)
	if err != nil {
		return err
	}

	engine, err := livetail.New(livetail.Options{
		Credentials:      cfg.Credentials,
		Region:           cfg.Region,
		GroupIdentifiers: []string{arn},
		StreamNames:      streams,
		FilterPattern:    filter,
	})
	if err != nil {
		return err
	}

	stream, err := engine.Tail(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	fmt.Fprintf(os.Stderr, "Tailing %s (Ctrl+C to stop)...\n", group)

	// On interrupt the session flushes what it buffered and closes both
	// channels; keep draining Events until then so nothing is lost.
	out := bufio.NewWriter(os.Stdout)
	print := func(ev cwlogs.LogEvent) error {
		if _, err := fmt.Fprintln(out, formatter.Line(ev)); err != nil {
			return fmt.Errorf("cannot write to stdout: %w", err)
		}
		// Live output should appear as it arrives.
		return out.Flush()
	}

	for ev := range stream.Events {
		if err := print(ev); err != nil {
			return err
		}
	}
	if err, ok := <-stream.Errs; ok && err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return out.Flush()
}
