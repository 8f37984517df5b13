package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/itsmostafa/rlmgo/internal/provider"
	"github.com/itsmostafa/rlmgo/internal/rlm"
	"github.com/itsmostafa/rlmgo/internal/sandbox"
	"github.com/itsmostafa/rlmgo/internal/trace"
)

var (
	contextFile   string
	providerName  string
	modelName     string
	subModelName  string
	backendName   string
	imageName     string
	maxIterations int
	maxDepth      int
	logFile       string
	verbose       bool
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Answer a query over a context file",
	Long: `Run one completion: load the context file into the sandboxed REPL and
iterate model turns and code executions until the model produces a final
answer. A context file ending in .json is loaded as structured data;
anything else is loaded as text.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Best effort; a missing .env is fine.
		godotenv.Load()

		var query string
		if len(args) > 0 {
			query = args[0]
		}

		payload, err := loadContextFile(contextFile)
		if err != nil {
			return err
		}

		root, err := provider.New(providerName, modelName, "", "")
		if err != nil {
			return err
		}
		var sub provider.Provider
		if subModelName != "" {
			sub, err = provider.New(providerName, subModelName, "", "")
			if err != nil {
				return err
			}
		}

		var observers []rlm.Observer
		if logFile != "" {
			jl, err := trace.OpenJSONLFile(logFile)
			if err != nil {
				return err
			}
			defer jl.Close()
			observers = append(observers, jl)
		}
		if verbose {
			observers = append(observers, trace.NewPrinter(cmd.OutOrStdout()))
		}

		level := hclog.Warn
		if verbose {
			level = hclog.Debug
		}
		logger := hclog.New(&hclog.LoggerOptions{Name: "rlmgo", Level: level})

		sandboxCfg := sandbox.Config{}
		if imageName != "" {
			sandboxCfg["image"] = imageName
		}

		engine, err := rlm.New(rlm.Config{
			RootModel:     root,
			SubModel:      sub,
			Backend:       backendName,
			SandboxConfig: sandboxCfg,
			MaxDepth:      maxDepth,
			MaxIterations: maxIterations,
			Observers:     observers,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		result, err := engine.Completion(cmd.Context(), payload, query)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Response)
		return nil
	},
}

// loadContextFile reads the context payload: .json files decode to
// structured data, everything else loads as text. An empty path yields
// an empty text context.
func loadContextFile(path string) (any, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}
	if strings.HasSuffix(path, ".json") {
		var payload any
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse context file: %w", err)
		}
		return payload, nil
	}
	return string(data), nil
}

func init() {
	runCmd.Flags().StringVarP(&contextFile, "context", "c", "", "Path to the context file")
	runCmd.Flags().StringVar(&providerName, "provider", "anthropic", "Model provider (anthropic, openai)")
	runCmd.Flags().StringVarP(&modelName, "model", "m", "", "Root model name")
	runCmd.Flags().StringVar(&subModelName, "sub-model", "", "Model serving recursive sub-calls")
	runCmd.Flags().StringVar(&backendName, "sandbox", rlm.DefaultBackend, "Sandbox backend (local, docker)")
	runCmd.Flags().StringVar(&imageName, "image", "", "Container image for the docker backend")
	runCmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", rlm.DefaultMaxIterations, "Maximum number of iterations")
	runCmd.Flags().IntVar(&maxDepth, "max-depth", rlm.DefaultMaxDepth, "Maximum recursion depth")
	runCmd.Flags().StringVar(&logFile, "log", "", "Write iteration records to a JSONL file")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print iteration progress")
	runCmd.MarkFlagRequired("model")

	rootCmd.AddCommand(runCmd)
}
