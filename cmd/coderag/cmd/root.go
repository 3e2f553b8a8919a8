// Package cmd provides the CLI commands for CodeRAG. The CLI is a thin
// adapter: it translates core errors to messages and exit codes; the
// retrieval core itself never prints.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coderag-io/coderag/internal/logging"
	"github.com/coderag-io/coderag/pkg/version"
)

var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the coderag CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coderag",
		Short: "Local hybrid code retrieval for AI coding assistants",
		Long: `CodeRAG indexes a source tree into sparse and dense representations
and answers natural-language queries by fusing BM25 and vector
retrieval, with optional dependency-graph context expansion.

It runs entirely locally against an auto-provisioned embedding backend.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := logging.DefaultConfig()
			if debugMode {
				cfg.Level = "debug"
			}
			logger, cleanup, err := logging.Setup(cfg)
			if err != nil {
				return err
			}
			loggingCleanup = cleanup
			setDefaultLogger(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if loggingCleanup != nil {
				loggingCleanup()
			}
		},
	}

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		return err
	}
	return nil
}
