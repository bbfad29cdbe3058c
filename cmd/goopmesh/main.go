// Command goopmesh runs a MUX/eRPC/eBUS node: serve accepts inbound
// connections as a bus's children, dial joins an existing bus as a child,
// and inspect prints the on-disk runtime config.
//
// Grounded on the reference app's main.go/app.go "parse flags, build the
// runtime, block until signaled" shape, rehomed onto spf13/cobra the way
// linkerd-linkerd2's CLI structures its own daemon subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "goopmesh",
		Short: "MUX/eRPC/eBUS node runner",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "goopmesh.json", "path to the runtime config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newDialCmd())
	root.AddCommand(newInspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
