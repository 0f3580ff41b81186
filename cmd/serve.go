package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"llm-gateway/internal/config"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/provider"
	providerfactory "llm-gateway/internal/provider/factory"
	"llm-gateway/internal/router"
	"llm-gateway/internal/server"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var cfgPath string
	var overridePort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OpenAI-compatible HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				return errors.New("serve command requires --config <path>")
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if overridePort != 0 {
				if overridePort < 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}

			logger := g.logger(cfg.LogLevel)
			m := metrics.New()

			registry := provider.NewRegistry()
			if err := providerfactory.RegisterConfiguredProviders(cfg, registry, logger); err != nil {
				return err
			}

			rt := router.New(registry, router.WithMetrics(m), router.WithLogger(logger))

			srv, err := server.New(cfg, rt, m, logger)
			if err != nil {
				return err
			}

			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML configuration file (required)")
	cmd.Flags().IntVar(&overridePort, "port", 0, "override server port from configuration")
	return cmd
}
