package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"llm-gateway/internal/logging"
)

type globalFlags struct {
	logLevel string
	pretty   bool
	envFiles []string
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "llm-gateway",
		Short: "One chat-completion contract over many LLM providers",
		Long: `llm-gateway talks to OpenAI, ERNIE, Gemini, HunYuan, MiniMax, Qwen, Spark,
Vyro and Dify through a single OpenAI-style chat-completion contract.

Credentials are read from flags, the config file or each provider's
environment variables. A .env file in the working directory is loaded first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFiles(g.envFiles)
		},
	}

	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config file")
	root.PersistentFlags().BoolVar(&g.pretty, "pretty", false, "human-readable log output")
	root.PersistentFlags().StringArrayVar(&g.envFiles, "env-file", []string{".env"}, "dotenv file to load (repeatable)")

	root.AddCommand(newServeCmd(g))
	root.AddCommand(newChatCmd(g))
	root.AddCommand(newProvidersCmd())
	return root
}

// loadEnvFiles loads dotenv files without overriding variables already set.
// Missing files are skipped.
func loadEnvFiles(paths []string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %q: %w", p, err)
		}
	}
	return nil
}

func (g *globalFlags) logger(configured string) zerolog.Logger {
	level := configured
	if g.logLevel != "" {
		level = g.logLevel
	}
	return logging.New(level, g.pretty)
}
