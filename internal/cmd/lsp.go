package cmd

import (
	"github.com/spf13/cobra"

	"github.com/spicery/nutmeg-highlighter/internal/lsp"
	"github.com/spicery/nutmeg-highlighter/pkg/grammar"
)

func newCmdLSP(a *app) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "lsp",
		Short: "Run the language server on stdin and stdout",
		Long: `Lsp serves semantic tokens for the open documents of an editor. With
watch enabled in the config, grammar changes apply to open documents.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var handler *lsp.Handler
			catalog, err := a.newCatalog(grammar.WithOnReload(func() {
				if handler != nil {
					handler.ReloadModes()
				}
			}))
			if err != nil {
				return err
			}
			handler = lsp.NewHandler(catalog,
				lsp.WithTracer(a.tracer.Tracer()),
				lsp.WithVersion(version),
			)

			ctx := cmd.Context()
			if a.cfg.Watch {
				go func() {
					if err := catalog.Watch(ctx); err != nil {
						log.Errorf("grammar watcher stopped: %s", err)
					}
				}()
			}
			return handler.Run(ctx, debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log protocol messages")
	return cmd
}
