package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/solatis/routekeeper/internal/rules"
)

var matchCmd = &cobra.Command{
	Use:   "match [rules.yaml]",
	Short: "Explain which rules a request matches in a phase",
	Long: `Match narrows and filters a synthetic request against the rule set and
reports the candidates, the predicates evaluated and the rules confirmed.
No actions run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)
	matchCmd.Flags().String("path", "/", "request path")
	matchCmd.Flags().String("query", "", "raw query string, without the leading ?")
	matchCmd.Flags().String("host", "", "server name")
	matchCmd.Flags().String("method", "GET", "request method")
	matchCmd.Flags().Bool("subrequest", false, "mark the request as a subrequest")
	matchCmd.Flags().Bool("internal-redirect", false, "mark the request as an internal redirect")
	matchCmd.Flags().String("phase", "routing", "phase to explain")
	matchCmd.Flags().Bool("json", false, "print the explanation as JSON")
}

func runMatch(cmd *cobra.Command, args []string) error {
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

	flags := cmd.Flags()
	phaseName, _ := flags.GetString("phase")
	phase, err := engine.Phases().Parse(phaseName)
	if err != nil {
		return err
	}

	req := rules.StaticRequest{}
	req.RequestPath, _ = flags.GetString("path")
	req.Query, _ = flags.GetString("query")
	req.Host, _ = flags.GetString("host")
	req.HTTPMethod, _ = flags.GetString("method")
	req.Subrequest, _ = flags.GetBool("subrequest")
	req.InternalRedirect, _ = flags.GetBool("internal-redirect")
	req.Query = strings.TrimPrefix(req.Query, "?")

	explanation, err := engine.Explain(req, phase)
	if err != nil {
		return err
	}

	if asJSON, _ := flags.GetBool("json"); asJSON {
		data, err := json.MarshalIndent(explanation, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode explanation: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}
	printExplanation(cmd.OutOrStdout(), explanation)
	return nil
}

func printExplanation(w io.Writer, x *rules.Explanation) {
	scope := fmt.Sprintf("%d candidates", x.Candidates)
	if x.CandidatesAll {
		scope = "all rules are candidates"
	}
	fmt.Fprintf(w, "phase %s: %d rules, %s, %d predicate evaluations\n", x.Phase, x.Universe, scope, x.Evaluations)

	for _, r := range x.Rules {
		verdict := "no match"
		if r.Matched {
			verdict = "MATCH"
		}
		label := r.Name
		if label == "" {
			label = string(r.ID)
		}
		fmt.Fprintf(w, "  [%d] %s: %s", r.Index, label, verdict)
		if len(r.Captures) > 0 {
			fmt.Fprintf(w, " captures=%q", r.Captures)
		}
		fmt.Fprintln(w)

		for _, p := range r.Predicates {
			result := "skipped"
			if p.Evaluated {
				result = fmt.Sprint(p.Result)
			}
			fmt.Fprintf(w, "      %-40s %s\n", p.Predicate, result)
		}
	}
}
