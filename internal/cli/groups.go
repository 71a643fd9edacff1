package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
)

func newGroupsCmd() *cobra.Command {
	var (
		verboseOut  bool
		pattern     string
		withStreams bool
	)

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List log groups",
		Long: `List the account's log groups, sorted by name.

With --verbose each group's stored size is shown; with --streams each
group's streams are listed inline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			_, client, err := newLogsClient(ctx)
			if err != nil {
				return err
			}

			var groups []types.LogGroup
			err = client.Groups(pattern).Each(ctx, func(g types.LogGroup) bool {
				groups = append(groups, g)
				return true
			})
			if err != nil {
				return err
			}
			sort.Slice(groups, func(i, j int) bool {
				return aws.ToString(groups[i].LogGroupName) < aws.ToString(groups[j].LogGroupName)
			})

			var totalSize int64
			for _, g := range groups {
				name := aws.ToString(g.LogGroupName)
				if name == "" {
					continue
				}
				if verboseOut {
					fmt.Printf("%s size %s\n", name, units.HumanSize(float64(aws.ToInt64(g.StoredBytes))))
				} else {
					fmt.Println(name)
				}
				if withStreams {
					if err := printStreams(ctx, client, name, "", verboseOut, true); err != nil {
						return err
					}
				}
				totalSize += aws.ToInt64(g.StoredBytes)
			}
			fmt.Printf("Total: %d groups, size: %s\n", len(groups), units.HumanSize(float64(totalSize)))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verboseOut, "verbose", "v", false, "Show stored size per group")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Filter groups by name pattern")
	cmd.Flags().BoolVarP(&withStreams, "streams", "s", false, "List each group's streams")

	return cmd
}

// printStreams is shared by the groups and streams commands.
func printStreams(ctx context.Context, client *cwlogs.Client, group, prefix string, verboseOut, indent bool) error {
	var streams []types.LogStream
	err := client.Streams(group, prefix).Each(ctx, func(s types.LogStream) bool {
		streams = append(streams, s)
		return true
	})
	if err != nil {
		return err
	}
	sort.Slice(streams, func(i, j int) bool {
		return aws.ToString(streams[i].LogStreamName) < aws.ToString(streams[j].LogStreamName)
	})

	pad := ""
	if indent {
		pad = "\t"
	}
	for _, s := range streams {
		name := aws.ToString(s.LogStreamName)
		if name == "" {
			continue
		}
		if verboseOut {
			fmt.Printf("%s%s first %s last %s\n", pad, name,
				formatOptMillis(s.FirstEventTimestamp), formatOptMillis(s.LastEventTimestamp))
		} else {
			fmt.Printf("%s%s\n", pad, name)
		}
	}
	return nil
}
