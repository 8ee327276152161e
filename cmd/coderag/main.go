// Command coderag indexes local code repositories and searches them by
// meaning, keywords or file path. It also serves the same operations as
// MCP tools over stdio.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// exitFailure is the exit status for failed operations.
const exitFailure = 2

type globalOptions struct {
	configPath string
	dataDir    string
	quiet      bool
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitFailure)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "coderag",
		Short:         "Semantic code search over local repositories",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Logs never go to stdout; serve uses it for the protocol.
			log.SetOutput(os.Stderr)
			if opts.quiet {
				log.SetOutput(io.Discard)
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file path (default: user config dir)")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Directory for the registry and indexes")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress progress logs")

	root.AddCommand(
		newIndexCmd(opts),
		newSearchCmd(opts),
		newGetFileCmd(opts),
		newReposCmd(opts),
		newCloneCmd(opts),
		newWatchCmd(opts),
		newServeCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// withEnv runs fn with a prepared runtime environment.
func withEnv(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, env *runtimeEnv) error) error {
	ctx := cmd.Context()
	env, err := prepareRuntimeEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}
