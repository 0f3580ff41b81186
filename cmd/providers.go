package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"llm-gateway/internal/config"
	"llm-gateway/internal/provider"
)

var providerEnv = map[provider.Key]string{
	provider.KeyOpenAI:  "OPENAI_API_KEY",
	provider.KeyErnie:   "EB_ACCESS_TOKEN",
	provider.KeyGemini:  "GEMINI_API_KEY",
	provider.KeyHunyuan: "HUNYUAN_APP_ID, HUNYUAN_SECRET_ID, HUNYUAN_SECRET_KEY",
	provider.KeyMinimax: "MINIMAX_API_ORG, MINIMAX_API_KEY",
	provider.KeyQwen:    "DASHSCOPE_API_KEY",
	provider.KeySpark:   "SPARK_APP_ID, SPARK_API_KEY, SPARK_API_SECRET",
	provider.KeyVyro:    "VYRO_API_KEY",
	provider.KeyDify:    "DIFY_API_KEY",
}

func newProvidersCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List supported providers and, with --config, the configured aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCONFIGURED\tENVIRONMENT\tALIASES")
			for _, key := range provider.Keys() {
				pc, configured := cfg.Providers[string(key)]
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", key, configured, providerEnv[key], formatAliases(pc.Aliases))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML configuration file")
	return cmd
}

func formatAliases(aliases map[string]string) string {
	if len(aliases) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(aliases))
	for alias, target := range aliases {
		pairs = append(pairs, alias+"="+target)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ", ")
}
