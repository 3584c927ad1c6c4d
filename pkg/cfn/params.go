package cfn

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"stackpilot/pkg/assembly"
)

// ParameterPlan is the reconciled parameter set for one deployment attempt.
type ParameterPlan struct {
	// Values holds every resolved value the engine knows, including values
	// carried forward from the previous deployment. The fast path uses it to
	// resolve asset locations referenced through parameters.
	Values map[string]string

	// APIParameters is exactly what gets submitted: explicit values for
	// supplied parameters, use-previous-value markers for retained ones.
	// Parameters left to their template defaults are not sent at all.
	APIParameters []types.Parameter

	// HasChanges reports whether applying this plan would alter the remote
	// stack's current parameter values.
	HasChanges bool
}

// PlanParameters merges caller-supplied values with the template's declared
// parameters and, when usePrevious is set, the remote stack's current values.
// A declared parameter with no supplied value, no retainable previous value,
// and no template default is a MissingParameterError before anything remote
// is touched.
func PlanParameters(template assembly.Template, supplied map[string]string, remote *RemoteStackState, usePrevious bool) (*ParameterPlan, error) {
	plan := &ParameterPlan{Values: map[string]string{}}

	decls := template.ParameterDeclarations()
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })

	declared := map[string]bool{}
	for _, decl := range decls {
		declared[decl.Name] = true

		previous, hasPrevious := remote.Parameters[decl.Name]

		if value := supplied[decl.Name]; value != "" {
			plan.Values[decl.Name] = value
			plan.APIParameters = append(plan.APIParameters, types.Parameter{
				ParameterKey:   aws.String(decl.Name),
				ParameterValue: aws.String(value),
			})
			continue
		}
		if usePrevious && hasPrevious {
			// Signal retention rather than resending the literal; the
			// control plane keeps the resolved value server-side.
			plan.Values[decl.Name] = previous
			plan.APIParameters = append(plan.APIParameters, types.Parameter{
				ParameterKey:     aws.String(decl.Name),
				UsePreviousValue: aws.Bool(true),
			})
			continue
		}
		if decl.HasDefault {
			continue
		}
		return nil, &MissingParameterError{Name: decl.Name}
	}

	for name, value := range plan.Values {
		if current, ok := remote.Parameters[name]; !ok || current != value {
			plan.HasChanges = true
			break
		}
	}
	if !plan.HasChanges {
		for name := range remote.Parameters {
			if !declared[name] {
				// A previously-set parameter was removed from the template.
				plan.HasChanges = true
				break
			}
		}
	}
	return plan, nil
}
