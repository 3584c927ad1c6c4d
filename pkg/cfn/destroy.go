package cfn

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"go.uber.org/zap"
)

// DestroyOptions modify one destroy attempt.
type DestroyOptions struct {
	RoleARN string
	Quiet   bool
}

// DestroyStack deletes the named stack and waits until it is gone. A stack
// that does not exist is a no-op. Any terminal state other than fully deleted
// is a StackDestroyFailedError carrying the observed status.
func (d *Deployer) DestroyStack(ctx context.Context, name string, opts DestroyOptions) error {
	remote, err := d.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if !remote.Exists {
		d.Logger.Info("stack does not exist, nothing to destroy", zap.String("stack", name))
		return nil
	}

	var handle ProgressHandle = noopHandle{}
	if !opts.Quiet && d.Progress != nil {
		handle = d.Progress.Start(name, 0, time.Now())
	}
	defer handle.Stop()

	d.Logger.Info("destroying stack", zap.String("stack", name))

	input := &cloudformation.DeleteStackInput{StackName: aws.String(name)}
	if opts.RoleARN != "" {
		input.RoleARN = aws.String(opts.RoleARN)
	}
	if _, err := d.Stacks.DeleteStack(ctx, input); err != nil {
		return fmt.Errorf("failed to delete stack %s: %w", name, err)
	}

	final, err := d.waitForStackTerminal(ctx, name)
	if err != nil {
		return err
	}
	if !final.Status.Deleted() {
		return &StackDestroyFailedError{StackName: name, Status: final.Status.String()}
	}
	return nil
}
