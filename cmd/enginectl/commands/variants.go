package commands

import (
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/modelforge/enginectl/pkg/matrix"
	"github.com/modelforge/enginectl/pkg/workspace"
)

type variantsFlags struct {
	worldSize int
	modelsDir string
}

func newVariantsCmd() *cobra.Command {
	flags := &variantsFlags{}

	cmd := &cobra.Command{
		Use:   "variants [MODEL]",
		Short: "Show the engine variant matrix and its output paths",
		Long: `Show the fixed variant matrix that a build run would produce for a
model: variant names, precisions, build flags and the engine output
directories.

Examples:
  enginectl variants
  enginectl variants gpt2 --world-size 2`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := defaultModel
			if len(args) == 1 {
				model = args[0]
			}
			return runVariants(cmd, model, flags)
		},
	}

	cmd.Flags().IntVar(&flags.worldSize, "world-size", 1, "Tensor-parallel world size")
	cmd.Flags().StringVar(&flags.modelsDir, "models-dir", "", "Models root directory (default $ENGINECTL_MODELS_DIR or ./models)")

	return cmd
}

func runVariants(cmd *cobra.Command, model string, flags *variantsFlags) error {
	modelsDir := flags.modelsDir
	if modelsDir == "" {
		modelsDir = workspace.DefaultRoot()
	}
	layout := workspace.NewLayout(modelsDir)

	table := tablewriter.NewTable(cmd.OutOrStdout(),
		tablewriter.WithHeader([]string{"VARIANT", "PRECISION", "FLAGS", "ENGINE DIR"}),
	)

	for _, v := range matrix.Variants(flags.worldSize) {
		table.Append([]string{
			v.Name,
			v.Precision.Dir(),
			strings.Join(v.ExtraFlags, " "),
			layout.EngineDir(model, v.Name, flags.worldSize),
		})
	}

	table.Render()
	return nil
}
