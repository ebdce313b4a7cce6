package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spicery/nutmeg-highlighter/internal/render"
)

type highlightOptions struct {
	mode  string
	input string
	color string
}

func newCmdHighlight(a *app) *cobra.Command {
	opts := &highlightOptions{}
	cmd := &cobra.Command{
		Use:   "highlight",
		Short: "Print the input coloured for the terminal",
		Example: `  nutmeg-highlighter highlight --input main.go
  nutmeg-highlighter highlight --mode html --color always < page.html | less -R`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHighlight(cmd, a, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "", "mode to use (default: chosen from the input file)")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "input file (defaults to stdin)")
	cmd.Flags().StringVar(&opts.color, "color", "", "auto, always or never (default: from config)")
	return cmd
}

func runHighlight(cmd *cobra.Command, a *app, opts *highlightOptions) error {
	colorMode := a.cfg.Color
	if opts.color != "" {
		colorMode = opts.color
	}
	switch colorMode {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("invalid --color %q: must be auto, always or never", colorMode)
	}

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
	buf, err := a.highlightText(cmd.Context(), catalog, mode, text)
	if err != nil {
		return fmt.Errorf("highlighting: %w", err)
	}

	styles := render.Styles{}
	if colorMode != "never" {
		styles, err = render.ParseStyles(a.cfg.Styles)
		if err != nil {
			return err
		}
	}
	aw := render.NewANSIWriter(cmd.OutOrStdout(), styles, colorMode == "always")
	for i := 0; i < buf.LineCount(); i++ {
		if err := aw.WriteLine(buf.Line(i), buf.Tokens(i)); err != nil {
			return err
		}
	}
	return nil
}
