// Command novainfer is a thin CLI front door over the inference core:
// it boots the memory governor, the capability pool, and the
// maintenance sweep, then gets out of the way. Model file loading,
// tokenizer loading, and any HTTP/RPC surface are deliberately left to
// external collaborators (spec.md §1 Non-goals); this CLI only wires
// the pieces together and exposes warm/stats for operators.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "novainfer",
		Short: "novainfer - multi-capability model worker pool",
		Long:  "A capability-routed worker pool for text, embedding, vision and image models with memory-governed admission control.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file (optional, defaults apply otherwise)")

	rootCmd.AddCommand(
		serveCmd(),
		warmCmd(),
		statsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
