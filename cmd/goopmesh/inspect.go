package main

import (
	"encoding/json"
	"fmt"

	"github.com/petervdpas/goopmesh/internal/xconfig"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the resolved runtime config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, created, err := xconfig.Ensure(configPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "# wrote default config to %s\n", configPath)
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
