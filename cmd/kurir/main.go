// Package main is the entry point for the kurir binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/kurir"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command with its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kurir",
		Short:         "Resilient, rate-limited, cached fetch pipeline",
		Version:       kurir.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("policy", "", "Path to policy file, overrides policy.file")

	rootCmd.AddCommand(newServeCmd(), newFetchCmd(), newPolicyCmd())
	return rootCmd
}

// loadConfig reads the configuration file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*kurir.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := kurir.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Log.Level = level
	}

	policy, err := cmd.Flags().GetString("policy")
	if err != nil {
		return nil, fmt.Errorf("failed to get policy flag: %w", err)
	}
	if policy != "" {
		cfg.Policy.File = policy
	}
	return cfg, nil
}

// loadPolicy fills trie from the configured file once, without watching.
func loadPolicy(cfg *kurir.Config, trie *kurir.PolicyTrie) error {
	if cfg.Policy.File == "" {
		return nil
	}
	entries, err := kurir.LoadPolicy(cfg.Policy.File)
	if err != nil {
		return err
	}
	return trie.Replace(entries)
}
