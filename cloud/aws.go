// Package cloud builds the AWS SDK clients used by every deployment step.
package cloud

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AWSClients holds all AWS SDK clients.
type AWSClients struct {
	S3               *s3.Client
	SageMaker        *sagemaker.Client
	SageMakerRuntime *sagemakerruntime.Client
	CloudWatch       *cloudwatchlogs.Client
	ECR              *ecr.Client
	ECS              *ecs.Client
	ELB              *elb.Client
	STS              *sts.Client
}

// NewAWSClients initializes AWS SDK clients from config.
func NewAWSClients(ctx context.Context, region string, endpointURL string) (*AWSClients, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if endpointURL != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	if endpointURL != "" {
		return newClientsWithEndpoint(cfg, endpointURL), nil
	}
	return newClientsFromConfig(cfg), nil
}

func newClientsFromConfig(cfg aws.Config) *AWSClients {
	return &AWSClients{
		S3:               s3.NewFromConfig(cfg),
		SageMaker:        sagemaker.NewFromConfig(cfg),
		SageMakerRuntime: sagemakerruntime.NewFromConfig(cfg),
		CloudWatch:       cloudwatchlogs.NewFromConfig(cfg),
		ECR:              ecr.NewFromConfig(cfg),
		ECS:              ecs.NewFromConfig(cfg),
		ELB:              elb.NewFromConfig(cfg),
		STS:              sts.NewFromConfig(cfg),
	}
}

func newClientsWithEndpoint(cfg aws.Config, endpoint string) *AWSClients {
	return &AWSClients{
		S3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint + "/s3")
			o.UsePathStyle = true
		}),
		SageMaker:        sagemaker.NewFromConfig(cfg, func(o *sagemaker.Options) { o.BaseEndpoint = aws.String(endpoint) }),
		SageMakerRuntime: sagemakerruntime.NewFromConfig(cfg, func(o *sagemakerruntime.Options) { o.BaseEndpoint = aws.String(endpoint) }),
		CloudWatch:       cloudwatchlogs.NewFromConfig(cfg, func(o *cloudwatchlogs.Options) { o.BaseEndpoint = aws.String(endpoint) }),
		ECR:              ecr.NewFromConfig(cfg, func(o *ecr.Options) { o.BaseEndpoint = aws.String(endpoint) }),
		ECS:              ecs.NewFromConfig(cfg, func(o *ecs.Options) { o.BaseEndpoint = aws.String(endpoint) }),
		ELB:              elb.NewFromConfig(cfg, func(o *elb.Options) { o.BaseEndpoint = aws.String(endpoint) }),
		STS:              sts.NewFromConfig(cfg, func(o *sts.Options) { o.BaseEndpoint = aws.String(endpoint) }),
	}
}
