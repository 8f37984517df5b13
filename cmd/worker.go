package cmd

import (
	"github.com/spf13/cobra"

	"github.com/itsmostafa/rlmgo/internal/worker"
)

// workerCmd is the child-interpreter entrypoint the sandbox backends
// re-invoke for each code execution. Hidden; not for direct use.
var workerCmd = &cobra.Command{
	Use:    "worker <job-file>",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worker.Main(args[0])
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
