package cfn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stackpilot/pkg/assembly"
)

// DeployOptions modify one deployment attempt.
type DeployOptions struct {
	// Force deploys even when the skip check finds no changes.
	Force bool

	// FastPath requests the code-only shortcut: when every difference is a
	// function code change, update the functions directly instead of running
	// a change set. When the diff is not code-only, nothing is deployed.
	FastPath bool

	// UsePreviousParameters retains remote values for declared parameters
	// with no supplied value.
	UsePreviousParameters bool

	// NoExecute creates the change set but leaves it for manual execution.
	NoExecute bool

	// Quiet disables progress reporting during waits.
	Quiet bool

	// RoleARN optionally overrides the execution role.
	RoleARN string

	// Parameters are the caller-supplied parameter values.
	Parameters map[string]string
}

// DeployResult is the outcome of one deployment attempt. Callers distinguish
// "nothing to do" (NoOp) from "deployed" by the NoOp flag; failures are
// returned as errors, never encoded here.
type DeployResult struct {
	StackName string
	StackID   string
	NoOp      bool
	Reason    string
	Outputs   map[string]string
}

// DeployStack reconciles the desired stack against its live remote state:
// clean up a failed prior creation, reconcile parameters, decide whether any
// deployment is needed, then run either the fast path or the full change-set
// flow.
func (d *Deployer) DeployStack(ctx context.Context, desired *assembly.DesiredStack, opts DeployOptions) (*DeployResult, error) {
	remote, err := d.Lookup(ctx, desired.Name)
	if err != nil {
		return nil, err
	}

	if remote.Exists && remote.Status.CreationFailed() {
		d.Logger.Info("removing stack left behind by a failed creation",
			zap.String("stack", desired.Name),
			zap.String("status", remote.Status.String()))
		if err := d.deleteAndWait(ctx, desired.Name, opts.RoleARN); err != nil {
			return nil, err
		}
		// The old snapshot is stale after the delete.
		remote, err = d.Lookup(ctx, desired.Name)
		if err != nil {
			return nil, err
		}
	}

	plan, err := PlanParameters(desired.Template, opts.Parameters, remote, opts.UsePreviousParameters)
	if err != nil {
		return nil, err
	}

	decision, err := Decide(ctx, DecisionInput{
		Remote:            remote,
		Desired:           desired,
		ParametersChanged: plan.HasChanges,
		Force:             opts.Force,
		FastPathRequested: opts.FastPath,
		FetchDeployed: func(ctx context.Context) (assembly.Template, error) {
			return d.FetchTemplate(ctx, remote)
		},
	})
	if err != nil {
		return nil, err
	}

	if !decision.HasChanges {
		d.Logger.Info("skipping deployment", zap.String("stack", desired.Name), zap.String("reason", decision.Reason))
		return &DeployResult{
			StackName: desired.Name,
			StackID:   remote.StackID,
			NoOp:      true,
			Reason:    decision.Reason,
			Outputs:   remote.Outputs,
		}, nil
	}

	if opts.FastPath {
		if !decision.FastPathEligible {
			d.Logger.Warn("fast path requested but diff is not code-only; nothing deployed",
				zap.String("stack", desired.Name),
				zap.String("reason", decision.Reason))
			return &DeployResult{
				StackName: desired.Name,
				StackID:   remote.StackID,
				NoOp:      true,
				Reason:    "fast path not applicable: " + decision.Reason,
				Outputs:   remote.Outputs,
			}, nil
		}
		return d.fastPathDeploy(ctx, desired, remote, plan, decision.FastPathUpdates)
	}

	return d.changeSetDeploy(ctx, desired, remote, plan, opts)
}

func (d *Deployer) changeSetDeploy(ctx context.Context, desired *assembly.DesiredStack, remote *RemoteStackState, plan *ParameterPlan, opts DeployOptions) (*DeployResult, error) {
	body, err := d.prepareTemplateBody(ctx, desired)
	if err != nil {
		return nil, err
	}

	// A fresh name per attempt: reusing a name would collide with a
	// concurrent or abandoned attempt against the same stack.
	changeSetName := "stackpilot-" + uuid.NewString()

	changeSetType := types.ChangeSetTypeUpdate
	if !remote.Exists || remote.Status.ReviewInProgress() {
		changeSetType = types.ChangeSetTypeCreate
	}

	input := &cloudformation.CreateChangeSetInput{
		StackName:     aws.String(desired.Name),
		ChangeSetName: aws.String(changeSetName),
		ChangeSetType: changeSetType,
		Parameters:    plan.APIParameters,
		Tags:          apiTags(desired.Tags),
		Capabilities: []types.Capability{
			types.CapabilityCapabilityIam,
			types.CapabilityCapabilityNamedIam,
			types.CapabilityCapabilityAutoExpand,
		},
	}
	if opts.RoleARN != "" {
		input.RoleARN = aws.String(opts.RoleARN)
	}
	if body.URL != "" {
		input.TemplateURL = aws.String(body.URL)
	} else {
		input.TemplateBody = aws.String(body.Body)
	}

	d.Logger.Info("creating change set",
		zap.String("stack", desired.Name),
		zap.String("changeSet", changeSetName),
		zap.String("type", string(changeSetType)))
	if _, err := d.ChangeSets.CreateChangeSet(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to create change set for stack %s: %w", desired.Name, err)
	}

	description, err := d.waitForChangeSet(ctx, desired.Name, changeSetName)
	if err != nil {
		return nil, err
	}

	if remote.Exists && remote.TerminationProtection != desired.TerminationProtection {
		if err := d.updateTerminationProtection(ctx, desired.Name, desired.TerminationProtection); err != nil {
			return nil, err
		}
	}

	if changeSetIsEmpty(description) {
		d.Logger.Info("change set is empty, nothing to deploy", zap.String("stack", desired.Name))
		if _, err := d.ChangeSets.DeleteChangeSet(ctx, &cloudformation.DeleteChangeSetInput{
			StackName:     aws.String(desired.Name),
			ChangeSetName: aws.String(changeSetName),
		}); err != nil {
			d.Logger.Warn("failed to delete empty change set", zap.String("changeSet", changeSetName), zap.Error(err))
		}
		return &DeployResult{
			StackName: desired.Name,
			StackID:   remote.StackID,
			NoOp:      true,
			Reason:    "change set contained no changes",
			Outputs:   remote.Outputs,
		}, nil
	}

	if opts.NoExecute {
		d.Logger.Info("change set created, execution skipped",
			zap.String("stack", desired.Name),
			zap.String("changeSet", changeSetName))
		return &DeployResult{
			StackName: desired.Name,
			StackID:   aws.ToString(description.StackId),
			Reason:    "change set pending manual execution",
			Outputs:   remote.Outputs,
		}, nil
	}

	if _, err := d.ChangeSets.ExecuteChangeSet(ctx, &cloudformation.ExecuteChangeSetInput{
		StackName:     aws.String(desired.Name),
		ChangeSetName: aws.String(changeSetName),
	}); err != nil {
		return nil, fmt.Errorf("failed to execute change set %s: %w", changeSetName, err)
	}

	var handle ProgressHandle = noopHandle{}
	if !opts.Quiet && d.Progress != nil {
		computedAt := time.Now()
		if description.CreationTime != nil {
			computedAt = *description.CreationTime
		}
		handle = d.Progress.Start(desired.Name, len(description.Changes), computedAt)
	}
	defer handle.Stop()

	final, err := d.waitForStackTerminal(ctx, desired.Name)
	if err != nil {
		return nil, err
	}
	if !final.Exists {
		return nil, &StackVanishedError{StackName: desired.Name}
	}
	if !final.Status.Successful() {
		return nil, fmt.Errorf("deployment of stack %s failed with status %s: %s",
			desired.Name, final.Status, final.StatusReason)
	}

	if changeSetType == types.ChangeSetTypeCreate && desired.TerminationProtection {
		if err := d.updateTerminationProtection(ctx, desired.Name, true); err != nil {
			return nil, err
		}
	}

	return &DeployResult{
		StackName: desired.Name,
		StackID:   final.StackID,
		Reason:    "deployed",
		Outputs:   final.Outputs,
	}, nil
}

// waitForChangeSet polls until the change set finishes computing. A FAILED
// change set that simply contains no changes is returned for the caller's
// empty-set handling; any other failure is an error.
func (d *Deployer) waitForChangeSet(ctx context.Context, stackName, changeSetName string) (*cloudformation.DescribeChangeSetOutput, error) {
	var last *cloudformation.DescribeChangeSetOutput
	lastStatus := "UNKNOWN"

	err := d.ChangeSetPoll.Wait(ctx, func(ctx context.Context) (bool, error) {
		out, err := d.ChangeSets.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
			StackName:     aws.String(stackName),
			ChangeSetName: aws.String(changeSetName),
		})
		if err != nil {
			return false, fmt.Errorf("failed to describe change set %s: %w", changeSetName, err)
		}
		last = out
		lastStatus = string(out.Status)
		switch out.Status {
		case types.ChangeSetStatusCreateComplete, types.ChangeSetStatusFailed:
			return true, nil
		}
		return false, nil
	})
	if errors.Is(err, errPollTimeout) {
		return nil, &WaitTimeoutError{StackName: stackName, Operation: "change set computation", LastStatus: lastStatus}
	}
	if err != nil {
		return nil, err
	}

	if last.Status == types.ChangeSetStatusFailed && !changeSetIsEmpty(last) {
		return nil, fmt.Errorf("change set %s for stack %s failed: %s",
			changeSetName, stackName, aws.ToString(last.StatusReason))
	}
	return last, nil
}

// waitForStackTerminal polls until the named stack reaches a terminal state
// (or vanishes), returning the final snapshot. Timeouts carry the last
// observed status.
func (d *Deployer) waitForStackTerminal(ctx context.Context, name string) (*RemoteStackState, error) {
	var last *RemoteStackState
	lastStatus := "UNKNOWN"

	err := d.StackPoll.Wait(ctx, func(ctx context.Context) (bool, error) {
		state, err := d.Lookup(ctx, name)
		if err != nil {
			return false, err
		}
		last = state
		lastStatus = state.Status.String()
		d.Logger.Debug("stack status", zap.String("stack", name), zap.String("status", lastStatus))
		return state.Status.Stable(), nil
	})
	if errors.Is(err, errPollTimeout) {
		return nil, &WaitTimeoutError{StackName: name, Operation: "stack to reach a terminal state", LastStatus: lastStatus}
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

// deleteAndWait removes a stack and blocks until it is fully deleted. Any
// other terminal outcome is a StackDeleteFailedError.
func (d *Deployer) deleteAndWait(ctx context.Context, name, roleARN string) error {
	input := &cloudformation.DeleteStackInput{StackName: aws.String(name)}
	if roleARN != "" {
		input.RoleARN = aws.String(roleARN)
	}
	if _, err := d.Stacks.DeleteStack(ctx, input); err != nil {
		return fmt.Errorf("failed to delete stack %s: %w", name, err)
	}
	final, err := d.waitForStackTerminal(ctx, name)
	if err != nil {
		return err
	}
	if !final.Status.Deleted() {
		return &StackDeleteFailedError{StackName: name, Status: final.Status.String()}
	}
	return nil
}

func (d *Deployer) updateTerminationProtection(ctx context.Context, name string, enabled bool) error {
	d.Logger.Info("updating termination protection",
		zap.String("stack", name), zap.Bool("enabled", enabled))
	_, err := d.Stacks.UpdateTerminationProtection(ctx, &cloudformation.UpdateTerminationProtectionInput{
		StackName:                   aws.String(name),
		EnableTerminationProtection: aws.Bool(enabled),
	})
	if err != nil {
		return fmt.Errorf("failed to update termination protection on stack %s: %w", name, err)
	}
	return nil
}

// changeSetIsEmpty recognizes the two shapes an empty diff comes back as: a
// successfully computed set with zero changes, or the FAILED status the API
// uses when there was nothing to compute.
func changeSetIsEmpty(out *cloudformation.DescribeChangeSetOutput) bool {
	if out.Status == types.ChangeSetStatusCreateComplete && len(out.Changes) == 0 {
		return true
	}
	if out.Status == types.ChangeSetStatusFailed {
		reason := aws.ToString(out.StatusReason)
		return strings.Contains(reason, "didn't contain changes") ||
			strings.Contains(reason, "No updates are to be performed")
	}
	return false
}

func apiTags(tags []assembly.Tag) []types.Tag {
	var out []types.Tag
	for _, t := range tags {
		out = append(out, types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	return out
}
