// Package cfn implements the stack deployment engine: it reads the live state
// of a CloudFormation stack, decides whether a deployment is needed at all,
// drives a change-set based update when it is, supports a code-only fast path
// for function changes, and tears stacks down.
package cfn

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"stackpilot/pkg/assembly"
)

// The engine depends on narrow, per-concern slices of the AWS APIs rather
// than full SDK clients so tests can inject recording fakes.

// StacksAPI covers the stack-level CloudFormation calls.
type StacksAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	GetTemplate(ctx context.Context, params *cloudformation.GetTemplateInput, optFns ...func(*cloudformation.Options)) (*cloudformation.GetTemplateOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	UpdateTerminationProtection(ctx context.Context, params *cloudformation.UpdateTerminationProtectionInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateTerminationProtectionOutput, error)
	DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
	DescribeStackResources(ctx context.Context, params *cloudformation.DescribeStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackResourcesOutput, error)
}

// ChangeSetsAPI covers the change-set lifecycle calls.
type ChangeSetsAPI interface {
	CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error)
	DeleteChangeSet(ctx context.Context, params *cloudformation.DeleteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error)
}

// FunctionCodeAPI covers the direct code-replacement call used by the fast
// path.
type FunctionCodeAPI interface {
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
}

// TemplateStoreAPI covers the object-store calls used to stage oversized
// template bodies.
type TemplateStoreAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var (
	_ StacksAPI        = (*cloudformation.Client)(nil)
	_ ChangeSetsAPI    = (*cloudformation.Client)(nil)
	_ FunctionCodeAPI  = (*lambda.Client)(nil)
	_ TemplateStoreAPI = (*s3.Client)(nil)
)

// AssetPublisher publishes a (possibly filtered) set of manifest assets.
type AssetPublisher interface {
	Publish(ctx context.Context, m *assembly.Manifest, env assembly.Environment, ids []string) error
}

// StagingConfig names the bucket and key prefix used for oversized template
// bodies. Zero value means no staging is available.
type StagingConfig struct {
	Bucket string
	Prefix string
}

// Configured reports whether a staging bucket is available.
func (s StagingConfig) Configured() bool { return s.Bucket != "" }

// Deployer orchestrates deployments and destroys against one target
// environment. All collaborators are passed in explicitly; the engine holds
// no global state.
type Deployer struct {
	Stacks     StacksAPI
	ChangeSets ChangeSetsAPI
	Functions  FunctionCodeAPI
	Store      TemplateStoreAPI
	Publisher  AssetPublisher
	Progress   ProgressSink
	Logger     *zap.Logger

	Environment assembly.Environment
	Staging     StagingConfig

	// ChangeSetPoll and StackPoll bound the two wait loops; zero values fall
	// back to defaults suited for interactive use.
	ChangeSetPoll PollPolicy
	StackPoll     PollPolicy
}

// NewDeployer builds a deployer from full SDK clients with default poll
// policies and an event-tailing progress monitor.
func NewDeployer(cfnClient *cloudformation.Client, lambdaClient *lambda.Client, s3Client *s3.Client, env assembly.Environment, staging StagingConfig, logger *zap.Logger) *Deployer {
	return &Deployer{
		Stacks:      cfnClient,
		ChangeSets:  cfnClient,
		Functions:   lambdaClient,
		Store:       s3Client,
		Progress:    NewEventMonitor(cfnClient, logger),
		Logger:      logger,
		Environment: env,
		Staging:     staging,
		ChangeSetPoll: PollPolicy{
			InitialInterval: 2 * time.Second,
			MaxInterval:     10 * time.Second,
			Deadline:        5 * time.Minute,
		},
		StackPoll: PollPolicy{
			InitialInterval: 5 * time.Second,
			MaxInterval:     30 * time.Second,
			Deadline:        60 * time.Minute,
		},
	}
}
