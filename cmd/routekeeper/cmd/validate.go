package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/routekeeper/internal/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate [rules.yaml]",
	Short: "Build the rule set and report errors without serving",
	Long: `Validate builds the rule set from the given file, or from the configured
rule source, and prints how many rules each phase holds.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("strict", false, "fail when the rule set is empty")
}

func runValidate(cmd *cobra.Command, args []string) error {
	var rulesFile string
	if len(args) == 1 {
		rulesFile = args[0]
	}

	cfg, err := loadConfig(rulesFile)
	if err != nil {
		return err
	}
	holder, closeSource, err := loadHolder(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	engine := holder.Engine()
	strict, _ := cmd.Flags().GetBool("strict")
	if strict && engine.Len() == 0 {
		return types.ErrEmptyRuleSet
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d rules, %d predicates\n", engine.Len(), engine.Predicates().Len())
	phases := engine.Phases()
	for ph := types.Phase(0); int(ph) < phases.Len(); ph++ {
		if n := engine.Rules().Universe(ph); n > 0 {
			fmt.Fprintf(out, "  %-18s %d\n", phases.Name(ph), n)
		}
	}
	return nil
}
