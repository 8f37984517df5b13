package cmd

import (
	"fmt"
	"os"

	"github.com/itsmostafa/rlmgo/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rlmgo",
	Short: "Recursive language model execution engine",
	Long: `rlmgo answers a query over a context that may be far too large for one
model call. The model works inside a sandboxed code REPL where the context
lives as a variable; it chunks the context programmatically and issues
recursive sub-model calls from inside executed code until it emits a final
answer.`,
}

func init() {
	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(fmt.Sprintf("rlmgo %s\n", version.String()))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
