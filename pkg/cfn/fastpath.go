package cfn

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"go.uber.org/zap"

	"stackpilot/pkg/assembly"
)

// fastPathDeploy pushes new code directly to each changed function, bypassing
// the change-set flow entirely. Precondition: the skip decision classified
// every difference as code-only. Only the artifacts belonging to the changed
// functions are published, then each function is updated serially.
func (d *Deployer) fastPathDeploy(ctx context.Context, desired *assembly.DesiredStack, remote *RemoteStackState, plan *ParameterPlan, updates map[string]string) (*DeployResult, error) {
	assetPaths := make([]string, 0, len(updates))
	for path := range updates {
		assetPaths = append(assetPaths, path)
	}
	sort.Strings(assetPaths)

	if desired.Assets != nil && d.Publisher != nil {
		ids, missing := desired.Assets.IDsForPaths(assetPaths)
		if len(missing) > 0 {
			// Assets absent from the manifest were published out of band;
			// the code location resolution below still has to succeed.
			d.Logger.Debug("asset paths not in manifest", zap.Strings("paths", missing))
		}
		if len(ids) > 0 {
			if err := d.Publisher.Publish(ctx, desired.Assets, d.Environment, ids); err != nil {
				return nil, fmt.Errorf("failed to publish assets for stack %s: %w", desired.Name, err)
			}
		}
	}

	for _, assetPath := range assetPaths {
		logicalID := updates[assetPath]
		if err := d.updateFunctionCode(ctx, desired, remote, plan, logicalID); err != nil {
			return nil, err
		}
	}

	return &DeployResult{
		StackName: desired.Name,
		StackID:   remote.StackID,
		Reason:    fmt.Sprintf("updated code of %d function(s) directly", len(updates)),
		Outputs:   remote.Outputs,
	}, nil
}

func (d *Deployer) updateFunctionCode(ctx context.Context, desired *assembly.DesiredStack, remote *RemoteStackState, plan *ParameterPlan, logicalID string) error {
	resource := desired.Template.Resource(logicalID)
	if resource == nil {
		return &FastPathResolutionError{LogicalID: logicalID, Reason: "resource not present in desired template"}
	}

	bucket, key, err := d.resolveCodeLocation(resource, plan, logicalID)
	if err != nil {
		return err
	}

	physicalID, err := d.physicalResourceID(ctx, remote.Name, logicalID)
	if err != nil {
		return err
	}

	d.Logger.Info("updating function code",
		zap.String("function", physicalID),
		zap.String("logicalId", logicalID),
		zap.String("bucket", bucket),
		zap.String("key", key))

	_, err = d.Functions.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(physicalID),
		S3Bucket:     aws.String(bucket),
		S3Key:        aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to update code of function %s: %w", logicalID, err)
	}
	return nil
}

// resolveCodeLocation finds the bucket and key the function's new code lives
// at. Three forms are understood, tried per value: a parameter reference
// resolved through the parameter plan, a literal string, and the single
// account/region substitution expression the synthesizer emits for staging
// buckets. Anything else is a hard error; guessing would push code to the
// wrong location.
func (d *Deployer) resolveCodeLocation(resource map[string]any, plan *ParameterPlan, logicalID string) (string, string, error) {
	props := assembly.ResourceProperties(resource)
	code, _ := props["Code"].(map[string]any)
	if code == nil {
		return "", "", &FastPathResolutionError{LogicalID: logicalID, Reason: "function has no Code property"}
	}

	bucket, err := d.resolveCodeValue(code["S3Bucket"], plan, logicalID, "S3Bucket")
	if err != nil {
		return "", "", err
	}
	key, err := d.resolveCodeValue(code["S3Key"], plan, logicalID, "S3Key")
	if err != nil {
		return "", "", err
	}
	return bucket, key, nil
}

func (d *Deployer) resolveCodeValue(value any, plan *ParameterPlan, logicalID, field string) (string, error) {
	switch v := value.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case map[string]any:
		if ref, ok := v["Ref"].(string); ok {
			if resolved, found := plan.Values[ref]; found && resolved != "" {
				return resolved, nil
			}
			return "", &FastPathResolutionError{
				LogicalID: logicalID,
				Reason:    fmt.Sprintf("%s references parameter %s, which has no resolved value", field, ref),
			}
		}
		if sub, ok := v["Fn::Sub"].(string); ok {
			substituted := d.Environment.Substitute(sub)
			if strings.Contains(substituted, "${") {
				return "", &FastPathResolutionError{
					LogicalID: logicalID,
					Reason:    fmt.Sprintf("%s expression %q has placeholders beyond account/region", field, sub),
				}
			}
			return substituted, nil
		}
	}
	return "", &FastPathResolutionError{
		LogicalID: logicalID,
		Reason:    fmt.Sprintf("cannot determine %s of function code", field),
	}
}

// physicalResourceID resolves the control-plane identifier of a logical
// resource in the deployed stack.
func (d *Deployer) physicalResourceID(ctx context.Context, stackName, logicalID string) (string, error) {
	out, err := d.Stacks.DescribeStackResources(ctx, &cloudformation.DescribeStackResourcesInput{
		StackName:         aws.String(stackName),
		LogicalResourceId: aws.String(logicalID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to look up resource %s in stack %s: %w", logicalID, stackName, err)
	}
	for _, res := range out.StackResources {
		if aws.ToString(res.LogicalResourceId) == logicalID && aws.ToString(res.PhysicalResourceId) != "" {
			return aws.ToString(res.PhysicalResourceId), nil
		}
	}
	return "", &FastPathResolutionError{LogicalID: logicalID, Reason: "no physical resource id found"}
}
