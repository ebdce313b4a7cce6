package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCmdModes(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the known modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.newCatalog()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODE\tEXTENSIONS\tSOURCE")
			for _, mode := range catalog.Modes() {
				g, err := catalog.Grammar(mode)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", mode, strings.Join(g.Extensions, " "), catalog.Origin(mode))
			}
			return tw.Flush()
		},
	}
}
