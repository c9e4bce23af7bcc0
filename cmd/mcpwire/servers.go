package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/mcpwire/config"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List configured servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := cfg.ServerNames()
		if len(names) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No servers configured.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTRANSPORT\tTARGET")
		for _, name := range names {
			s := cfg.Servers[name]
			target := s.URL
			if s.Transport == config.TransportStdio {
				target = strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
			}
			if name == cfg.Gateway.Server {
				name += " *"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, s.Transport, target)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(serversCmd)
}
