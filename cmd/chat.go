package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	providerfactory "llm-gateway/internal/provider/factory"
)

type chatFlags struct {
	provider string
	model    string
	system   string
	baseURL  string
	apiKey   string
	stream   bool
	timeout  time.Duration
}

func newChatCmd(g *globalFlags) *cobra.Command {
	f := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send one message to a provider and print the answer",
		Example: `  llm-gateway chat --provider qwen --model qwen-max "hello"
  llm-gateway chat -p spark -m spark-3.5 --stream --system "answer briefly" "what is Go?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := provider.ParseKey(f.provider)
			if err != nil {
				return err
			}
			client, err := providerfactory.New(key, provider.Credentials{APIKey: f.apiKey},
				providerfactory.WithBaseURL(f.baseURL),
				providerfactory.WithTimeout(f.timeout),
				providerfactory.WithLogger(g.logger("warn")),
			)
			if err != nil {
				return err
			}

			var messages []models.ChatMessage
			if f.system != "" {
				messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: f.system})
			}
			messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: strings.Join(args, " ")})
			params := models.ChatCompletionCreateParams{Model: f.model, Messages: messages, Stream: f.stream}

			res, err := client.Chat.Completions.Create(cmd.Context(), params)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !res.IsStream() {
				_, err = fmt.Fprintln(out, res.Completion.Content())
				return err
			}
			for chunk, err := range res.Stream.All() {
				if err != nil {
					fmt.Fprintln(out)
					return err
				}
				for _, c := range chunk.Choices {
					fmt.Fprint(out, c.Delta.Content)
				}
			}
			_, err = fmt.Fprintln(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&f.provider, "provider", "p", "", "provider key ("+joinKeys()+")")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model name understood by the provider")
	cmd.Flags().StringVar(&f.system, "system", "", "system prompt")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "override the provider endpoint")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key; defaults to the provider's environment variable")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "print the answer as it streams")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "time allowed until the provider starts answering")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func joinKeys() string {
	keys := provider.Keys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
