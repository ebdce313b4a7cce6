package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spicery/nutmeg-highlighter/pkg/grammar"
)

func newCmdMakeRules(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "make-rules [mode]",
		Short: "Print the grammar of a mode as YAML",
		Long: `Make-rules prints the grammar file of a mode, by default nutmeg. Save it
into a grammar directory and edit it to customise the mode.`,
		Example: `  nutmeg-highlighter make-rules > ~/.config/nutmeg-highlighter/grammars/nutmeg.yaml
  nutmeg-highlighter make-rules javascript`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := "nutmeg"
			if len(args) > 0 {
				mode = args[0]
			}
			catalog, err := a.newCatalog()
			if err != nil {
				return err
			}
			g, err := catalog.Grammar(mode)
			if err != nil {
				return err
			}
			data, err := grammar.MarshalGrammar(g)
			if err != nil {
				return fmt.Errorf("failed to marshal grammar to YAML: %w", err)
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (defaults to stdout)")
	return cmd
}
