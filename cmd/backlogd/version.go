package main

import (
	"fmt"

	"backlog.szuro.net/internal/config"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print backlogd version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backlogd %s\n", config.Version)
			fmt.Fprintf(out, "Git commit: %s\n", config.Commit)
			_, err := fmt.Fprintf(out, "Compilation time: %s\n", config.BuildDate)
			return err
		},
	}
}
