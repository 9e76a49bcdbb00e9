package main

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/kurir"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect policy files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [FILE]",
		Short: "Check that a policy file parses and every route is valid",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trie, path, err := policyFromArgs(cmd, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d routes OK\n", path, trie.Len())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump [FILE]",
		Short: "Print a policy file in normalized form",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trie, _, err := policyFromArgs(cmd, args)
			if err != nil {
				return err
			}
			data, err := kurir.MarshalPolicy(trie.Entries())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resolve IDENTIFIER [FILE]",
		Short: "Show which route an identifier resolves to",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			trie, _, err := policyFromArgs(cmd, args[1:])
			if err != nil {
				return err
			}
			id, err := kurir.Canonicalize(args[0])
			if err != nil {
				return err
			}
			res := trie.Resolve(id)
			out := struct {
				Identifier string            `json:"identifier"`
				Matched    bool              `json:"matched"`
				Decision   kurir.PolicyRoute `json:"decision"`
				Rewritten  string            `json:"rewritten,omitempty"`
			}{
				Identifier: id.String(),
				Matched:    res.Matched,
				Decision:   kurir.NewPolicyRoute(kurir.RouteEntry{Prefix: res.Prefix, Decision: res.Decision}),
			}
			if res.Decision.Action == kurir.ActionTransform {
				rewritten, err := res.Rewrite(id)
				if err != nil {
					return err
				}
				out.Rewritten = rewritten.String()
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})
	return cmd
}

// policyFromArgs loads the policy named by args, falling back to the configured file.
func policyFromArgs(cmd *cobra.Command, args []string) (*kurir.PolicyTrie, string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, "", err
	}
	if len(args) > 0 {
		cfg.Policy.File = args[0]
	}
	if cfg.Policy.File == "" {
		return nil, "", errors.New("no policy file given")
	}
	trie := cfg.PolicyTrie()
	if err := loadPolicy(cfg, trie); err != nil {
		return nil, "", err
	}
	return trie, cfg.Policy.File, nil
}
