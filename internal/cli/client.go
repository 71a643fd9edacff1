package cli

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/davidthor/cwaxe/pkg/cwlogs"
)

// newAWSConfig loads credentials and region, honoring the --profile and
// --region flags. SDK-level retries are disabled: the retrieval engine
// owns retry and backoff.
func newAWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// newLogsClient builds the CloudWatch Logs pager client.
func newLogsClient(ctx context.Context) (aws.Config, *cwlogs.Client, error) {
	cfg, err := newAWSConfig(ctx)
	if err != nil {
		return aws.Config{}, nil, err
	}
	return cfg, cwlogs.NewClient(cloudwatchlogs.NewFromConfig(cfg)), nil
}
