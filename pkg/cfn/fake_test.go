package cfn

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"go.uber.org/zap"

	"stackpilot/pkg/assembly"
)

// fakeAWS implements every API slice the deployer consumes, recording calls
// and serving scripted responses. DescribeStacks and DescribeChangeSet serve
// from queues (last entry repeats) because the engine polls them.
type fakeAWS struct {
	mu    sync.Mutex
	calls []string

	describeStacksQueue []describeStacksResult
	templateBody        string
	changeSetQueue      []*cloudformation.DescribeChangeSetOutput

	createChangeSetInputs []*cloudformation.CreateChangeSetInput
	updateCodeInputs      []*lambda.UpdateFunctionCodeInput
	putObjectInputs       []*s3.PutObjectInput
	headObjectExists      bool

	physicalIDs map[string]string

	deleteStackErr error
}

type describeStacksResult struct {
	stack *types.Stack
	err   error
}

func stackNotFoundErr(name string) error {
	return &smithy.GenericAPIError{
		Code:    "ValidationError",
		Message: "Stack with id " + name + " does not exist",
	}
}

func (f *fakeAWS) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAWS) recorded(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// enqueueStack appends a DescribeStacks response.
func (f *fakeAWS) enqueueStack(stack *types.Stack) {
	f.describeStacksQueue = append(f.describeStacksQueue, describeStacksResult{stack: stack})
}

func (f *fakeAWS) enqueueStackNotFound(name string) {
	f.describeStacksQueue = append(f.describeStacksQueue, describeStacksResult{err: stackNotFoundErr(name)})
}

func (f *fakeAWS) DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	f.record("DescribeStacks")
	f.mu.Lock()
	if len(f.describeStacksQueue) == 0 {
		f.mu.Unlock()
		return nil, stackNotFoundErr(aws.ToString(in.StackName))
	}
	result := f.describeStacksQueue[0]
	if len(f.describeStacksQueue) > 1 {
		f.describeStacksQueue = f.describeStacksQueue[1:]
	}
	f.mu.Unlock()

	if result.err != nil {
		return nil, result.err
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []types.Stack{*result.stack}}, nil
}

func (f *fakeAWS) GetTemplate(ctx context.Context, in *cloudformation.GetTemplateInput, _ ...func(*cloudformation.Options)) (*cloudformation.GetTemplateOutput, error) {
	f.record("GetTemplate")
	return &cloudformation.GetTemplateOutput{TemplateBody: aws.String(f.templateBody)}, nil
}

func (f *fakeAWS) DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.record("DeleteStack")
	return &cloudformation.DeleteStackOutput{}, f.deleteStackErr
}

func (f *fakeAWS) UpdateTerminationProtection(ctx context.Context, in *cloudformation.UpdateTerminationProtectionInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateTerminationProtectionOutput, error) {
	f.record("UpdateTerminationProtection")
	return &cloudformation.UpdateTerminationProtectionOutput{}, nil
}

func (f *fakeAWS) DescribeStackEvents(ctx context.Context, in *cloudformation.DescribeStackEventsInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	f.record("DescribeStackEvents")
	return &cloudformation.DescribeStackEventsOutput{}, nil
}

func (f *fakeAWS) DescribeStackResources(ctx context.Context, in *cloudformation.DescribeStackResourcesInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackResourcesOutput, error) {
	f.record("DescribeStackResources")
	logicalID := aws.ToString(in.LogicalResourceId)
	physicalID, ok := f.physicalIDs[logicalID]
	if !ok {
		return &cloudformation.DescribeStackResourcesOutput{}, nil
	}
	return &cloudformation.DescribeStackResourcesOutput{
		StackResources: []types.StackResource{{
			LogicalResourceId:  aws.String(logicalID),
			PhysicalResourceId: aws.String(physicalID),
		}},
	}, nil
}

func (f *fakeAWS) CreateChangeSet(ctx context.Context, in *cloudformation.CreateChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error) {
	f.record("CreateChangeSet")
	f.mu.Lock()
	f.createChangeSetInputs = append(f.createChangeSetInputs, in)
	f.mu.Unlock()
	return &cloudformation.CreateChangeSetOutput{Id: aws.String("arn:changeset")}, nil
}

func (f *fakeAWS) DescribeChangeSet(ctx context.Context, in *cloudformation.DescribeChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error) {
	f.record("DescribeChangeSet")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changeSetQueue) == 0 {
		return &cloudformation.DescribeChangeSetOutput{Status: types.ChangeSetStatusCreateInProgress}, nil
	}
	out := f.changeSetQueue[0]
	if len(f.changeSetQueue) > 1 {
		f.changeSetQueue = f.changeSetQueue[1:]
	}
	return out, nil
}

func (f *fakeAWS) ExecuteChangeSet(ctx context.Context, in *cloudformation.ExecuteChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error) {
	f.record("ExecuteChangeSet")
	return &cloudformation.ExecuteChangeSetOutput{}, nil
}

func (f *fakeAWS) DeleteChangeSet(ctx context.Context, in *cloudformation.DeleteChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error) {
	f.record("DeleteChangeSet")
	return &cloudformation.DeleteChangeSetOutput{}, nil
}

func (f *fakeAWS) UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.record("UpdateFunctionCode")
	f.mu.Lock()
	f.updateCodeInputs = append(f.updateCodeInputs, in)
	f.mu.Unlock()
	return &lambda.UpdateFunctionCodeOutput{}, nil
}

func (f *fakeAWS) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.record("HeadObject")
	if f.headObjectExists {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
}

func (f *fakeAWS) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.record("PutObject")
	f.mu.Lock()
	f.putObjectInputs = append(f.putObjectInputs, in)
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

// recordingSink counts progress start/stop pairs.
type recordingSink struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (s *recordingSink) Start(string, int, time.Time) ProgressHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return &recordingHandle{sink: s}
}

type recordingHandle struct {
	sink *recordingSink
	once sync.Once
}

func (h *recordingHandle) Stop() {
	h.once.Do(func() {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		h.sink.stopped++
	})
}

// newTestDeployer wires a deployer to the fake with near-instant poll
// policies.
func newTestDeployer(f *fakeAWS) *Deployer {
	fast := PollPolicy{
		InitialInterval: time.Microsecond,
		MaxInterval:     time.Millisecond,
		Deadline:        time.Second,
	}
	return &Deployer{
		Stacks:        f,
		ChangeSets:    f,
		Functions:     f,
		Store:         f,
		Progress:      NoopProgress{},
		Logger:        zap.NewNop(),
		Environment:   assembly.Environment{Account: "123456789012", Region: "us-east-1"},
		ChangeSetPoll: fast,
		StackPoll:     fast,
	}
}

// healthyStack builds a DescribeStacks entry in a given status.
func healthyStack(name string, status types.StackStatus) *types.Stack {
	return &types.Stack{
		StackName:                   aws.String(name),
		StackId:                     aws.String("arn:aws:cloudformation:us-east-1:123456789012:stack/" + name + "/uuid"),
		StackStatus:                 status,
		EnableTerminationProtection: aws.Bool(false),
	}
}

func withParameters(stack *types.Stack, params map[string]string) *types.Stack {
	for key, value := range params {
		stack.Parameters = append(stack.Parameters, types.Parameter{
			ParameterKey:   aws.String(key),
			ParameterValue: aws.String(value),
		})
	}
	return stack
}

func withTags(stack *types.Stack, tags ...assembly.Tag) *types.Stack {
	for _, t := range tags {
		stack.Tags = append(stack.Tags, types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	return stack
}

func withOutputs(stack *types.Stack, outputs map[string]string) *types.Stack {
	for key, value := range outputs {
		stack.Outputs = append(stack.Outputs, types.Output{
			OutputKey:   aws.String(key),
			OutputValue: aws.String(value),
		})
	}
	return stack
}
