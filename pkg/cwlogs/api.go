package cwlogs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// API is the subset of the CloudWatch Logs client the engine calls. The
// SDK's own pagination and retry are bypassed; the pager owns both.
type API interface {
	GetLogEvents(ctx context.Context, in *cloudwatchlogs.GetLogEventsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error)
	FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
	DescribeLogGroups(ctx context.Context, in *cloudwatchlogs.DescribeLogGroupsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	DescribeLogStreams(ctx context.Context, in *cloudwatchlogs.DescribeLogStreamsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
}

// Client builds pagers over the CloudWatch Logs API.
type Client struct {
	api   API
	retry RetryPolicy
}

// NewClient wraps api with the default retry policy.
func NewClient(api API) *Client {
	return &Client{api: api, retry: DefaultRetryPolicy}
}

// WithRetry overrides the retry policy.
func (c *Client) WithRetry(policy RetryPolicy) *Client {
	c.retry = policy
	return c
}

// Events returns a pager for the query. A single stream with no filter
// pattern uses GetLogEvents; everything else goes through FilterLogEvents
// so the server can fan out across streams and apply the pattern.
func (c *Client) Events(q Query) (*Pager[LogEvent], error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if len(q.Streams) == 1 && q.FilterPattern == "" {
		return c.getEventsPager(q), nil
	}
	return c.filterEventsPager(q), nil
}

func (c *Client) getEventsPager(q Query) *Pager[LogEvent] {
	stream := q.Streams[0]
	return &Pager[LogEvent]{
		Op:    "GetLogEvents",
		Query: q.String(),
		Retry: c.retry,
		Fetch: func(ctx context.Context, cursor *string) (Page[LogEvent], error) {
			out, err := c.api.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
				LogGroupName:  aws.String(q.Group),
				LogStreamName: aws.String(stream),
				StartTime:     aws.Int64(q.Start.UnixMilli()),
				EndTime:       aws.Int64(q.End.UnixMilli()),
				Limit:         aws.Int32(int32(q.ChunkSize)),
				StartFromHead: aws.Bool(true),
				NextToken:     cursor,
			})
			if err != nil {
				return Page[LogEvent]{}, err
			}
			events := make([]LogEvent, 0, len(out.Events))
			for _, ev := range out.Events {
				events = append(events, LogEvent{
					Timestamp:     time.UnixMilli(aws.ToInt64(ev.Timestamp)),
					StreamName:    stream,
					IngestionTime: time.UnixMilli(aws.ToInt64(ev.IngestionTime)),
					Message:       aws.ToString(ev.Message),
				})
			}
			return Page[LogEvent]{Items: events, Cursor: out.NextForwardToken}, nil
		},
	}
}

func (c *Client) filterEventsPager(q Query) *Pager[LogEvent] {
	return &Pager[LogEvent]{
		Op:    "FilterLogEvents",
		Query: q.String(),
		Retry: c.retry,
		Fetch: func(ctx context.Context, cursor *string) (Page[LogEvent], error) {
			in := &cloudwatchlogs.FilterLogEventsInput{
				LogGroupName: aws.String(q.Group),
				StartTime:    aws.Int64(q.Start.UnixMilli()),
				EndTime:      aws.Int64(q.End.UnixMilli()),
				Limit:        aws.Int32(int32(q.ChunkSize)),
				NextToken:    cursor,
			}
			if len(q.Streams) > 0 {
				in.LogStreamNames = q.Streams
			}
			if q.FilterPattern != "" {
				in.FilterPattern = aws.String(q.FilterPattern)
			}
			out, err := c.api.FilterLogEvents(ctx, in)
			if err != nil {
				return Page[LogEvent]{}, err
			}
			events := make([]LogEvent, 0, len(out.Events))
			for _, ev := range out.Events {
				events = append(events, LogEvent{
					Timestamp:     time.UnixMilli(aws.ToInt64(ev.Timestamp)),
					StreamName:    aws.ToString(ev.LogStreamName),
					IngestionTime: time.UnixMilli(aws.ToInt64(ev.IngestionTime)),
					Message:       aws.ToString(ev.Message),
				})
			}
			return Page[LogEvent]{Items: events, Cursor: out.NextToken}, nil
		},
	}
}

// Groups returns a pager over the account's log groups, optionally
// filtered by a name pattern.
func (c *Client) Groups(pattern string) *Pager[types.LogGroup] {
	return &Pager[types.LogGroup]{
		Op:    "DescribeLogGroups",
		Query: fmt.Sprintf("pattern=%q", pattern),
		Retry: c.retry,
		Fetch: func(ctx context.Context, cursor *string) (Page[types.LogGroup], error) {
			in := &cloudwatchlogs.DescribeLogGroupsInput{NextToken: cursor}
			if pattern != "" {
				in.LogGroupNamePattern = aws.String(pattern)
			}
			out, err := c.api.DescribeLogGroups(ctx, in)
			if err != nil {
				return Page[types.LogGroup]{}, err
			}
			return Page[types.LogGroup]{Items: out.LogGroups, Cursor: out.NextToken}, nil
		},
	}
}

// Streams returns a pager over a group's streams, optionally filtered by
// a name prefix.
func (c *Client) Streams(group, prefix string) *Pager[types.LogStream] {
	return &Pager[types.LogStream]{
		Op:    "DescribeLogStreams",
		Query: fmt.Sprintf("group=%s prefix=%q", group, prefix),
		Retry: c.retry,
		Fetch: func(ctx context.Context, cursor *string) (Page[types.LogStream], error) {
			in := &cloudwatchlogs.DescribeLogStreamsInput{
				LogGroupName: aws.String(group),
				NextToken:    cursor,
			}
			if prefix != "" {
				in.LogStreamNamePrefix = aws.String(prefix)
			}
			out, err := c.api.DescribeLogStreams(ctx, in)
			if err != nil {
				return Page[types.LogStream]{}, err
			}
			return Page[types.LogStream]{Items: out.LogStreams, Cursor: out.NextToken}, nil
		},
	}
}

// GroupARN resolves a group name to its ARN, trimmed of the ":*" suffix
// the describe call appends. The live-tail API addresses groups by ARN.
func (c *Client) GroupARN(ctx context.Context, group string) (string, error) {
	out, err := c.api.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(group),
		Limit:              aws.Int32(1),
	})
	if err != nil {
		return "", wrapFetchErr(err, "DescribeLogGroups", "group="+group, 1)
	}
	if len(out.LogGroups) == 0 || out.LogGroups[0].Arn == nil {
		return "", &RemoteRejection{
			Op:      "DescribeLogGroups",
			Query:   "group=" + group,
			Code:    "ResourceNotFound",
			Message: fmt.Sprintf("no log group matching %q", group),
		}
	}
	return strings.TrimSuffix(strings.TrimSuffix(aws.ToString(out.LogGroups[0].Arn), "*"), ":"), nil
}
