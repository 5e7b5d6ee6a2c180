package commands

import (
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/modelforge/enginectl/pkg/command"
	"github.com/modelforge/enginectl/pkg/convert"
	"github.com/modelforge/enginectl/pkg/engine"
	"github.com/modelforge/enginectl/pkg/fetch"
	"github.com/modelforge/enginectl/pkg/pipeline"
	"github.com/modelforge/enginectl/pkg/workspace"
)

// defaultModel is the model built when none is named, matching the
// pipeline's primary use case.
const defaultModel = "gpt2"

type buildFlags struct {
	modelCache string
	worldSize  int
	modelsDir  string
	converter  string
	builder    string
	parallel   int
	failFast   bool
}

func newBuildCmd() *cobra.Command {
	flags := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "build [MODEL]",
		Short: "Fetch a model and build its engine variant matrix",
		Long: `Fetch the source model (clone or update), convert its weights once per
precision, and build every engine variant of the fixed matrix. Re-runs
reuse the checkout and converted weights already on disk.

Examples:
  enginectl build
  enginectl build gpt2 --world-size 2
  enginectl build gpt2 --model-cache /data/model-cache
  enginectl build gpt2 --parallel 4`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := defaultModel
			if len(args) == 1 {
				model = args[0]
			}
			return runBuild(cmd, model, flags)
		},
	}

	cmd.Flags().StringVar(&flags.modelCache, "model-cache", "", "Local cache directory holding pre-fetched model repositories")
	cmd.Flags().IntVar(&flags.worldSize, "world-size", 1, "Tensor-parallel world size")
	cmd.Flags().StringVar(&flags.modelsDir, "models-dir", "", "Models root directory (default $ENGINECTL_MODELS_DIR or ./models)")
	cmd.Flags().StringVar(&flags.converter, "converter", "", "Weight-conversion command (default $ENGINECTL_CONVERTER or \""+convert.DefaultCommand+"\")")
	cmd.Flags().StringVar(&flags.builder, "builder", "", "Engine-build command (default $ENGINECTL_BUILDER or \""+engine.DefaultCommand+"\")")
	cmd.Flags().IntVar(&flags.parallel, "parallel", 1, "Maximum concurrent variant builds per precision")
	cmd.Flags().BoolVar(&flags.failFast, "fail-fast", false, "Abort the run on the first conversion or build failure")

	return cmd
}

func runBuild(cmd *cobra.Command, model string, flags *buildFlags) error {
	ctx := cmd.Context()

	modelsDir := flags.modelsDir
	if modelsDir == "" {
		modelsDir = workspace.DefaultRoot()
	}
	layout := workspace.NewLayout(modelsDir)
	runner := command.NewExecRunner(log)

	converterCmd := flags.converter
	if converterCmd == "" {
		converterCmd = envOr("ENGINECTL_CONVERTER", convert.DefaultCommand)
	}
	converter, err := convert.NewCommandConverter(converterCmd, runner, log)
	if err != nil {
		return errors.Wrap(err, "configuring converter")
	}

	builderCmd := flags.builder
	if builderCmd == "" {
		builderCmd = envOr("ENGINECTL_BUILDER", engine.DefaultCommand)
	}
	builder, err := engine.NewCommandBuilder(builderCmd, runner, log)
	if err != nil {
		return errors.Wrap(err, "configuring builder")
	}

	opts := []pipeline.Option{pipeline.WithLogger(log)}
	if flags.failFast {
		opts = append(opts, pipeline.WithFailFast())
	}
	if flags.parallel > 1 {
		opts = append(opts, pipeline.WithParallelBuilds(flags.parallel))
	}

	driver := pipeline.New(layout, fetch.NewFetcher(layout, runner, log), converter, builder, opts...)

	report, err := driver.Run(ctx, pipeline.RunOptions{
		Source: fetch.ModelSource{
			Name:      model,
			CacheRoot: flags.modelCache,
		},
		TensorParallel: flags.worldSize,
	})
	if err != nil {
		return errors.Wrap(err, "running pipeline")
	}

	printReport(cmd, report)

	if err := report.Err(); err != nil {
		return errors.Wrap(err, "pipeline finished with failures")
	}
	return nil
}

// printReport renders the per-variant outcome table.
func printReport(cmd *cobra.Command, report *pipeline.Report) {
	table := tablewriter.NewTable(cmd.OutOrStdout(),
		tablewriter.WithHeader([]string{"VARIANT", "PRECISION", "STATUS", "DURATION", "RESULT"}),
	)

	for _, res := range report.Results {
		result := res.EnginePath
		if res.Err != nil {
			result = res.Err.Error()
		}
		duration := ""
		if res.Duration > 0 {
			duration = res.Duration.Round(durationPrecision).String()
		}
		table.Append([]string{
			res.Variant.Name,
			res.Variant.Precision.Dir(),
			string(res.Status),
			duration,
			result,
		})
	}

	table.Render()
}

// durationPrecision keeps table durations readable.
const durationPrecision = 10 * time.Millisecond
