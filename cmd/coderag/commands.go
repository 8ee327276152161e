package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/coderag/internal/config"
	"github.com/ChamsBouzaiene/coderag/internal/indexer"
	"github.com/ChamsBouzaiene/coderag/internal/mcp"
	"github.com/ChamsBouzaiene/coderag/internal/tools"
)

func newIndexCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "index REPO",
		Short: "Index or re-index a local repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, env *runtimeEnv) error {
				sum, err := env.Engine.UpdateIndex(ctx, args[0])
				if sum != nil {
					if pErr := printSummary(cmd.OutOrStdout(), sum, jsonOut); pErr != nil {
						return pErr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the summary as JSON")
	return cmd
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var (
		numResults int
		fileMode   bool
		modeName   string
		repository string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Search indexed repositories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := indexer.ParseMode(modeName)
			if err != nil {
				return err
			}
			if fileMode {
				if cmd.Flags().Changed("mode") && mode != indexer.ModeFilePath {
					return fmt.Errorf("--file-mode conflicts with --mode %s", mode)
				}
				mode = indexer.ModeFilePath
			}
			return withEnv(cmd, opts, func(ctx context.Context, env *runtimeEnv) error {
				k := numResults
				if !cmd.Flags().Changed("num-results") {
					k = env.Config.Search.DefaultResults
				}
				results, err := env.Engine.Search(ctx, indexer.SearchRequest{
					Query:      strings.Join(args, " "),
					K:          k,
					Mode:       mode,
					Repository: repository,
				})
				if err != nil {
					return err
				}
				return printResults(cmd.OutOrStdout(), results, jsonOut)
			})
		},
	}
	cmd.Flags().IntVarP(&numResults, "num-results", "n", tools.DefaultResults, "Maximum number of results")
	cmd.Flags().BoolVar(&fileMode, "file-mode", false, "Match the query against file paths")
	cmd.Flags().StringVar(&modeName, "mode", string(indexer.ModeSemantic), "Search mode: semantic, keyword or file_path")
	cmd.Flags().StringVarP(&repository, "repository", "r", "", "Restrict the search to one repository id")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	return cmd
}

func newGetFileCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get-file REPOSITORY FILE",
		Short: "Print a file of an indexed repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, env *runtimeEnv) error {
				f, err := env.Engine.GetFile(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), f.Content)
				return err
			})
		},
	}
}

func newReposCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List registered repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, env *runtimeEnv) error {
				repos, err := env.Engine.Repositories(ctx)
				if err != nil {
					return err
				}
				return printRepos(cmd.OutOrStdout(), repos, jsonOut)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print repositories as JSON")
	return cmd
}

func newCloneCmd(opts *globalOptions) *cobra.Command {
	var (
		branch  string
		noIndex bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "clone URL",
		Short: "Clone a GitHub repository into the repositories root and index it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, env *runtimeEnv) error {
				path, sum, err := env.Engine.Clone(ctx, args[0], branch, !noIndex)
				if path != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Cloned into %s\n", path)
				}
				if sum != nil {
					if pErr := printSummary(cmd.OutOrStdout(), sum, jsonOut); pErr != nil {
						return pErr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "Branch to check out")
	cmd.Flags().BoolVar(&noIndex, "no-index", false, "Clone without indexing")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the summary as JSON")
	return cmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch REPO",
		Short: "Index a repository and keep the index current as files change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, env *runtimeEnv) error {
				out := cmd.OutOrStdout()
				err := env.Engine.Watch(ctx, args[0], debounce, func(sum *indexer.UpdateSummary, err error) {
					if sum != nil {
						printSummary(out, sum, false)
					}
					if err != nil {
						log.Printf("❌ Update failed: %v", err)
					}
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", indexer.DefaultDebounce, "Quiet period before re-indexing")
	return cmd
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the retrieval tools as an MCP server over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, env *runtimeEnv) error {
				reg := tools.NewRegistry(env.Engine, env.Config.Search.DefaultResults)
				srv := mcp.NewServer(reg, mcp.ServerInfo{Name: "coderag", Version: version})
				err := srv.Serve(ctx, os.Stdin, os.Stdout)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.NewManager()
			if err != nil {
				return err
			}
			path, err := m.WriteDefault(opts.configPath, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Embedding.APIKey != "" {
				cfg.Embedding.APIKey = "********"
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
