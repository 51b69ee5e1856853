package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugin types available to the config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			registry := loadRegistry(conf)
			defer registry.CleanupAll()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tSOURCE\tVERSION\tDESCRIPTION")
			for _, info := range registry.ListPlugins() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.Type, info.Version, info.Description)
			}
			return w.Flush()
		},
	}
}
