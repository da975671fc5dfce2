package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maestro-dev/maestro/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>",
	Short: "Check a workflow definition file",
	Long:  `Parse a workflow definition and report structural problems: missing names, empty phases, unknown or cyclic agent dependencies.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := workflow.LoadDefinition(args[0])
	if err != nil {
		return err
	}

	agents := 0
	for _, p := range def.Phases {
		agents += len(p.Agents)
	}
	fmt.Printf("%s %s: %d phases, %d agents\n",
		okStyle.Render("✓"), titleStyle.Render(def.Name), len(def.Phases), agents)
	return nil
}
