package cmd

import (
	"fmt"

	"github.com/MathItYT/tmg-bot/tmgbot"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := cfg
		if !showSecrets {
			c = redactedConfig(cfg)
		}
		data, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("error encoding config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

// redactedConfig returns a copy of c with tokens, keys and secrets
// replaced. c is left unchanged.
func redactedConfig(c *tmgbot.Config) *tmgbot.Config {
	out := *c
	if c.Discord != nil {
		discord := *c.Discord
		discord.Token = redact(discord.Token)
		out.Discord = &discord
	}
	if c.OpenAI != nil {
		openAI := *c.OpenAI
		openAI.Token = redact(openAI.Token)
		out.OpenAI = &openAI
	}
	if c.Gemini != nil {
		gemini := *c.Gemini
		gemini.APIKey = redact(gemini.APIKey)
		out.Gemini = &gemini
	}
	if c.API != nil {
		api := *c.API
		api.Secret = redact(api.Secret)
		out.API = &api
	}
	if c.DatabaseType == "postgres" {
		out.Database = redact(out.Database)
	}
	return &out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

func init() {
	configCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print tokens and secrets instead of redacting them")
	rootCmd.AddCommand(configCmd)
}
