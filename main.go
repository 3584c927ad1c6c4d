package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"stackpilot/pkg/assembly"
	"stackpilot/pkg/assets"
	"stackpilot/pkg/cfn"
	"stackpilot/pkg/gitsource"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stackpilot",
		Short:         "Deploy synthesized CloudFormation stacks through change sets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("app", "cdk.out", "assembly directory holding synthesized templates")
	flags.String("repo", "", "git repository holding a synthesized assembly")
	flags.String("region", "", "target region (defaults to the AWS config chain)")
	flags.String("staging-bucket", "", "bucket for oversized template bodies")
	flags.String("staging-prefix", "", "key prefix inside the staging bucket")
	flags.Bool("verbose", false, "enable debug logging")
	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("STACKPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newDeployCmd(), newDestroyCmd(), newDiffCmd())
	return root
}

func newDeployCmd() *cobra.Command {
	opts := cfn.DeployOptions{}
	var parameters map[string]string

	cmd := &cobra.Command{
		Use:   "deploy [stacks...]",
		Short: "Deploy stacks, skipping any that are already up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Parameters = parameters
			return withStacks(cmd.Context(), args, func(ctx context.Context, d *cfn.Deployer, stack *assembly.DesiredStack) error {
				result, err := d.DeployStack(ctx, stack, opts)
				if err != nil {
					return err
				}
				printResult(result)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "deploy even when no changes are detected")
	cmd.Flags().BoolVar(&opts.FastPath, "hotswap", false, "update function code directly when the diff is code-only")
	cmd.Flags().BoolVar(&opts.NoExecute, "no-execute", false, "create the change set but do not execute it")
	cmd.Flags().BoolVar(&opts.UsePreviousParameters, "previous-parameters", false, "reuse deployed values for unsupplied parameters")
	cmd.Flags().BoolVar(&opts.Quiet, "quiet", false, "suppress progress reporting")
	cmd.Flags().StringVar(&opts.RoleARN, "role-arn", "", "execution role to assume for stack operations")
	cmd.Flags().StringToStringVar(&parameters, "parameter", nil, "template parameter values (key=value)")
	return cmd
}

func newDestroyCmd() *cobra.Command {
	opts := cfn.DestroyOptions{}

	cmd := &cobra.Command{
		Use:   "destroy [stacks...]",
		Short: "Delete stacks and wait until they are gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStacks(cmd.Context(), args, func(ctx context.Context, d *cfn.Deployer, stack *assembly.DesiredStack) error {
				if err := d.DestroyStack(ctx, stack.Name, opts); err != nil {
					return err
				}
				fmt.Printf("Stack %s destroyed.\n", stack.Name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Quiet, "quiet", false, "suppress progress reporting")
	cmd.Flags().StringVar(&opts.RoleARN, "role-arn", "", "execution role to assume for stack operations")
	return cmd
}

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff [stacks...]",
		Short: "Show what would change without deploying anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStacks(cmd.Context(), args, printDiff)
		},
	}
}

func printDiff(ctx context.Context, d *cfn.Deployer, stack *assembly.DesiredStack) error {
	remote, err := d.Lookup(ctx, stack.Name)
	if err != nil {
		return err
	}
	if !remote.Exists {
		fmt.Printf("Stack %s does not exist; deployment would create it.\n", stack.Name)
		return nil
	}
	deployed, err := d.FetchTemplate(ctx, remote)
	if err != nil {
		return err
	}
	diffs := cfn.DiffTemplates(deployed, stack.Template)
	if len(diffs) == 0 {
		fmt.Printf("Stack %s: no template changes.\n", stack.Name)
		return nil
	}
	fmt.Printf("Stack %s:\n", stack.Name)
	for _, diff := range diffs {
		switch diff.Kind {
		case cfn.DiffAdded:
			fmt.Printf("  + %s (%s)\n", diff.LogicalID, diff.NewType)
		case cfn.DiffRemoved:
			fmt.Printf("  - %s (%s)\n", diff.LogicalID, diff.OldType)
		default:
			fmt.Printf("  ~ %s (%s): %s\n", diff.LogicalID, diff.NewType, strings.Join(diff.PropertyPaths, ", "))
		}
	}
	return nil
}

// withStacks resolves the assembly (local directory or cloned repo), builds a
// deployer against the target environment, and runs fn for each selected
// stack.
func withStacks(ctx context.Context, names []string, fn func(context.Context, *cfn.Deployer, *assembly.DesiredStack) error) error {
	logger, err := newLogger(viper.GetBool("verbose"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dir := viper.GetString("app")
	if repoURL := viper.GetString("repo"); repoURL != "" {
		cloned, root, err := gitsource.Clone(ctx, repoURL, "", logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := gitsource.Cleanup(root); err != nil {
				logger.Warn("failed to clean up clone", zap.Error(err))
			}
		}()
		dir = cloned
	}

	if len(names) == 0 {
		names, err = assembly.ListStacks(dir)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return fmt.Errorf("no stacks found in %s", dir)
		}
	}

	deployer, err := newDeployer(ctx, logger)
	if err != nil {
		return err
	}

	for _, name := range names {
		stack, err := assembly.LoadStack(dir, name)
		if err != nil {
			return err
		}
		if err := fn(ctx, deployer, stack); err != nil {
			return fmt.Errorf("stack %s: %w", name, err)
		}
	}
	return nil
}

func newDeployer(ctx context.Context, logger *zap.Logger) (*cfn.Deployer, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region := viper.GetString("region"); region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target account: %w", err)
	}
	env := assembly.Environment{Account: *identity.Account, Region: cfg.Region}

	s3Client := s3.NewFromConfig(cfg)
	deployer := cfn.NewDeployer(
		cloudformation.NewFromConfig(cfg),
		lambda.NewFromConfig(cfg),
		s3Client,
		env,
		cfn.StagingConfig{
			Bucket: viper.GetString("staging-bucket"),
			Prefix: viper.GetString("staging-prefix"),
		},
		logger,
	)
	deployer.Publisher = assets.NewPublisher(s3Client, logger)
	return deployer, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func printResult(result *cfn.DeployResult) {
	fmt.Printf("Stack %s: %s\n", result.StackName, result.Reason)
	if result.NoOp {
		return
	}
	if result.StackID != "" {
		fmt.Printf("  Stack id: %s\n", result.StackID)
	}
	for key, value := range result.Outputs {
		fmt.Printf("  %s: %s\n", key, value)
	}
}
