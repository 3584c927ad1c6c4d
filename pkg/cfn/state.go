package cfn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	smithy "github.com/aws/smithy-go"

	"stackpilot/pkg/assembly"
)

// StackStatus classifies a raw CloudFormation stack status. The zero value
// means the stack does not exist.
type StackStatus struct {
	value types.StackStatus
}

func (s StackStatus) String() string {
	if s.value == "" {
		return "NOT_FOUND"
	}
	return string(s.value)
}

// NotFound reports whether the stack does not exist at all.
func (s StackStatus) NotFound() bool { return s.value == "" }

// CreationFailed reports whether a previous creation attempt left the stack
// in a state that must be deleted before anything else can happen.
func (s StackStatus) CreationFailed() bool {
	switch s.value {
	case types.StackStatusCreateFailed, types.StackStatusRollbackComplete, types.StackStatusRollbackFailed:
		return true
	}
	return false
}

// ReviewInProgress reports the no-resources-yet state a stack sits in after a
// change set was created against a name that did not exist.
func (s StackStatus) ReviewInProgress() bool {
	return s.value == types.StackStatusReviewInProgress
}

// Failed reports any failure status, including update and delete failures.
func (s StackStatus) Failed() bool {
	return s.CreationFailed() ||
		s.value == types.StackStatusDeleteFailed ||
		s.value == types.StackStatusUpdateFailed ||
		s.value == types.StackStatusUpdateRollbackComplete ||
		s.value == types.StackStatusUpdateRollbackFailed
}

// Deleted reports the fully-deleted terminal state.
func (s StackStatus) Deleted() bool {
	return s.NotFound() || s.value == types.StackStatusDeleteComplete
}

// Stable reports whether the stack has reached a terminal state, i.e. no
// operation is in progress.
func (s StackStatus) Stable() bool {
	return s.NotFound() || !strings.HasSuffix(string(s.value), "_IN_PROGRESS")
}

// Successful reports a healthy terminal state after a create or update.
func (s StackStatus) Successful() bool {
	switch s.value {
	case types.StackStatusCreateComplete, types.StackStatusUpdateComplete, types.StackStatusImportComplete:
		return true
	}
	return false
}

// RemoteStackState is a read-only snapshot of a named stack. It must be
// re-fetched after any mutating call; a stale snapshot says nothing about the
// stack's current status.
type RemoteStackState struct {
	Name                  string
	StackID               string
	Exists                bool
	Status                StackStatus
	StatusReason          string
	Parameters            map[string]string
	Tags                  []assembly.Tag
	Outputs               map[string]string
	TerminationProtection bool

	template        assembly.Template
	templateFetched bool
}

// notFoundState is the sentinel snapshot for a stack that does not exist.
func notFoundState(name string) *RemoteStackState {
	return &RemoteStackState{
		Name:       name,
		Parameters: map[string]string{},
		Outputs:    map[string]string{},
	}
}

// Lookup fetches a fresh snapshot of the named stack. A missing stack is not
// an error; it yields an Exists=false snapshot. Any other remote failure is a
// LookupError.
func (d *Deployer) Lookup(ctx context.Context, name string) (*RemoteStackState, error) {
	out, err := d.Stacks.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(name),
	})
	if err != nil {
		if isStackNotFound(err) {
			return notFoundState(name), nil
		}
		return nil, &LookupError{StackName: name, Err: err}
	}
	if len(out.Stacks) == 0 {
		return notFoundState(name), nil
	}

	stack := out.Stacks[0]
	state := &RemoteStackState{
		Name:         name,
		StackID:      aws.ToString(stack.StackId),
		Exists:       true,
		Status:       StackStatus{value: stack.StackStatus},
		StatusReason: aws.ToString(stack.StackStatusReason),
		Parameters:   map[string]string{},
		Outputs:      map[string]string{},
	}
	for _, p := range stack.Parameters {
		state.Parameters[aws.ToString(p.ParameterKey)] = aws.ToString(p.ParameterValue)
	}
	for _, t := range stack.Tags {
		state.Tags = append(state.Tags, assembly.Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	for _, o := range stack.Outputs {
		state.Outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	if stack.EnableTerminationProtection != nil {
		state.TerminationProtection = *stack.EnableTerminationProtection
	}
	return state, nil
}

// FetchTemplate lazily retrieves and parses the deployed template body. The
// body is only needed when a structural diff is actually required, so it is
// not fetched during Lookup. The result is cached on the snapshot.
func (d *Deployer) FetchTemplate(ctx context.Context, state *RemoteStackState) (assembly.Template, error) {
	if state.templateFetched {
		return state.template, nil
	}
	if !state.Exists {
		state.template = assembly.Template{}
		state.templateFetched = true
		return state.template, nil
	}

	out, err := d.Stacks.GetTemplate(ctx, &cloudformation.GetTemplateInput{
		StackName: aws.String(state.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch template for stack %s: %w", state.Name, err)
	}
	body := aws.ToString(out.TemplateBody)
	if body == "" {
		state.template = assembly.Template{}
		state.templateFetched = true
		return state.template, nil
	}
	template, err := assembly.ParseTemplate([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("stack %s: %w", state.Name, err)
	}
	state.template = template
	state.templateFetched = true
	return template, nil
}

func isStackNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "does not exist")
}
