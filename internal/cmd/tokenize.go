package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/spicery/nutmeg-highlighter/internal/render"
)

type tokenizeOptions struct {
	mode   string
	input  string
	output string
	exit0  bool
}

func newCmdTokenize(a *app) *cobra.Command {
	opts := &tokenizeOptions{}
	cmd := &cobra.Command{
		Use:   "tokenize",
		Short: "Print the tokens of each line as JSON",
		Long: `Tokenize reads source text and writes one JSON object per line:
the line number, its tokens with their kind, span and text, and the rule set
the next line starts in.`,
		Example: `  nutmeg-highlighter tokenize --input source.nutmeg
  nutmeg-highlighter tokenize --mode go --output tokens.json < main.go
  echo "def foo end" | nutmeg-highlighter tokenize --mode nutmeg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenize(cmd, a, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "mode to use (default: chosen from the input file)")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "input file (defaults to stdin)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (defaults to stdout)")
	cmd.Flags().BoolVar(&opts.exit0, "exit0", false, "exit with code 0 even on tokenization errors")
	return cmd
}

func runTokenize(cmd *cobra.Command, a *app, opts *tokenizeOptions) error {
	text, err := readInput(cmd.InOrStdin(), opts.input)
	if err != nil {
		return err
	}
	catalog, err := a.newCatalog()
	if err != nil {
		return err
	}
	mode, err := resolveMode(catalog, opts.mode, opts.input, text)
	if err != nil {
		return err
	}
	buf, markErr := a.highlightText(cmd.Context(), catalog, mode, text)
	if buf == nil {
		return markErr
	}

	var output io.Writer = cmd.OutOrStdout()
	var file *os.File
	if opts.output != "" {
		file, err = os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("creating output file '%s': %w", opts.output, err)
		}
		output = file
	}

	// Lines marked before an error are still written.
	jw := render.NewJSONWriter(output)
	for i := 0; i < buf.LineCount(); i++ {
		ctx := buf.Context(i)
		if ctx == nil {
			break
		}
		if err := jw.WriteLine(i+1, buf.Line(i), buf.Tokens(i), ctx); err != nil {
			return fmt.Errorf("JSON encoding error: %w", err)
		}
	}

	if file != nil {
		if err := file.Close(); err != nil {
			return fmt.Errorf("closing output file '%s': %w", opts.output, err)
		}
	}

	if markErr != nil {
		if opts.exit0 {
			log.Warningf("tokenization error: %s", markErr)
			return nil
		}
		return fmt.Errorf("tokenization error: %w", markErr)
	}
	return nil
}
