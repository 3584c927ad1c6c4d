package cfn

import (
	"context"
	"fmt"

	"stackpilot/pkg/assembly"
)

const (
	functionResourceType = "AWS::Lambda::Function"
	metadataResourceType = "AWS::CDK::Metadata"
	assetPathAnnotation  = "aws:asset:path"
)

// SkipDecision is the outcome of the skip-deploy check. When HasChanges is
// false the engine performs zero remote mutations.
type SkipDecision struct {
	HasChanges bool
	Reason     string

	// FastPathEligible is only meaningful when the fast path was requested
	// and HasChanges is true: it reports whether every difference is a
	// code-only function change. FastPathUpdates then maps each changed
	// function's asset path to its logical id.
	FastPathEligible bool
	FastPathUpdates  map[string]string
}

// DecisionInput carries everything the skip-deploy check needs. The deployed
// template is behind a fetch callback because retrieving it is only worth the
// round trip when the earlier checks did not already settle the decision.
type DecisionInput struct {
	Remote            *RemoteStackState
	Desired           *assembly.DesiredStack
	ParametersChanged bool
	Force             bool
	FastPathRequested bool
	FetchDeployed     func(context.Context) (assembly.Template, error)
}

// Decide runs the ordered skip-deploy checks. The first matching rule wins;
// later rules are not evaluated.
func Decide(ctx context.Context, in DecisionInput) (SkipDecision, error) {
	if in.Force {
		return SkipDecision{HasChanges: true, Reason: "deployment forced by caller"}, nil
	}
	if !in.Remote.Exists {
		return SkipDecision{HasChanges: true, Reason: "stack does not exist"}, nil
	}

	deployed, err := in.FetchDeployed(ctx)
	if err != nil {
		return SkipDecision{}, err
	}
	if !TemplatesEqual(deployed, in.Desired.Template) {
		decision := SkipDecision{HasChanges: true, Reason: "template differs"}
		if in.FastPathRequested {
			diffs := DiffTemplates(deployed, in.Desired.Template)
			decision.FastPathEligible, decision.FastPathUpdates, decision.Reason = classifyFastPath(diffs)
		}
		return decision, nil
	}

	if !tagsEqual(in.Remote.Tags, in.Desired.Tags) {
		return SkipDecision{HasChanges: true, Reason: "tags differ"}, nil
	}
	if in.Remote.TerminationProtection != in.Desired.TerminationProtection {
		return SkipDecision{HasChanges: true, Reason: "termination protection differs"}, nil
	}
	if in.ParametersChanged {
		return SkipDecision{HasChanges: true, Reason: "parameters differ"}, nil
	}
	if in.Remote.Status.Failed() {
		// A failed stack always warrants an attempted fix-up deploy even
		// when nothing else changed.
		return SkipDecision{HasChanges: true, Reason: fmt.Sprintf("stack is in failure state %s", in.Remote.Status)}, nil
	}
	return SkipDecision{Reason: "no changes"}, nil
}

// classifyFastPath decides whether a set of differences is entirely
// code-only. A function difference qualifies when it touches nothing but the
// code location (and its own metadata); the synthesizer's metadata resource
// qualifies whatever changed on it. Everything else, including a qualifying
// function missing its asset-path annotation, disqualifies the whole plan.
func classifyFastPath(diffs []ResourceDifference) (bool, map[string]string, string) {
	updates := map[string]string{}
	for _, diff := range diffs {
		if diff.Kind != DiffModified {
			return false, nil, fmt.Sprintf("resource %s was %s", diff.LogicalID, diff.Kind)
		}
		if diff.NewType == metadataResourceType && diff.OldType == metadataResourceType {
			continue
		}
		if diff.NewType != functionResourceType || diff.OldType != functionResourceType {
			return false, nil, fmt.Sprintf("resource %s (%s) is not a function", diff.LogicalID, diff.NewType)
		}
		if !codeOnly(diff) {
			return false, nil, fmt.Sprintf("function %s has changes beyond its code location", diff.LogicalID)
		}
		assetPath := assembly.ResourceMetadataString(diff.NewResource, assetPathAnnotation)
		if assetPath == "" {
			return false, nil, fmt.Sprintf("function %s has no asset-path annotation", diff.LogicalID)
		}
		updates[assetPath] = diff.LogicalID
	}
	if len(updates) == 0 {
		return false, nil, "no function code changes found"
	}
	return true, updates, "all changes are function code"
}

func codeOnly(diff ResourceDifference) bool {
	for _, section := range diff.OtherSections {
		if section != "Metadata" {
			return false
		}
	}
	if len(diff.PropertyPaths) == 0 {
		return false
	}
	for _, path := range diff.PropertyPaths {
		switch path {
		case "Code", "Code.S3Bucket", "Code.S3Key":
		default:
			return false
		}
	}
	return true
}

// tagsEqual compares tag sets independent of order. Duplicate keys are
// compared by full key+value multiset.
func tagsEqual(a, b []assembly.Tag) bool {
	if len(a) != len(b) {
		return false
	}
	counts := map[assembly.Tag]int{}
	for _, t := range a {
		counts[t]++
	}
	for _, t := range b {
		counts[t]--
		if counts[t] < 0 {
			return false
		}
	}
	return true
}
