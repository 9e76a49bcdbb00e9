package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ambiyansyah-risyal/kurir"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch IDENTIFIER...",
		Short: "Fetch identifiers through the pipeline once",
		Long: `Fetch submits each identifier through the configured pipeline and writes
the results to stdout.

Output formats:
  raw    payloads only, concatenated
  json   one JSON object per result
  wire   length-prefixed binary records readable by StreamDecoder`,
		Args: cobra.MinimumNArgs(1),
		RunE: runFetch,
	}
	cmd.Flags().StringP("method", "X", "GET", "HTTP method")
	cmd.Flags().StringArrayP("header", "H", nil, `Request header as "Name: value", repeatable`)
	cmd.Flags().StringP("data", "d", "", "Request body")
	cmd.Flags().Duration("timeout", 0, "Per submission timeout, overrides fetch.timeout")
	cmd.Flags().StringP("output", "o", "raw", "Output format: raw, json or wire")
	cmd.Flags().IntP("parallel", "p", 4, "Identifiers fetched concurrently")
	cmd.Flags().BoolP("verbose", "v", false, "Log pipeline activity to stderr")
	return cmd
}

type fetchOutput struct {
	Identifier string              `json:"identifier"`
	Status     int                 `json:"status,omitempty"`
	Header     map[string][]string `json:"header,omitempty"`
	Payload    string              `json:"payload,omitempty"`
	Attempts   int                 `json:"attempts,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	output, _ := flags.GetString("output")
	switch output {
	case "raw", "json", "wire":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	var submitOpts []kurir.SubmitOption
	method, _ := flags.GetString("method")
	submitOpts = append(submitOpts, kurir.WithMethod(strings.ToUpper(method)))
	headers, _ := flags.GetStringArray("header")
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("malformed header %q", h)
		}
		submitOpts = append(submitOpts, kurir.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	if data, _ := flags.GetString("data"); data != "" {
		submitOpts = append(submitOpts, kurir.WithBody([]byte(data)))
	}
	if timeout, _ := flags.GetDuration("timeout"); timeout > 0 {
		submitOpts = append(submitOpts, kurir.WithTimeout(timeout))
	}

	var logger kurir.Logger = kurir.NewNopLogger()
	if verbose, _ := flags.GetBool("verbose"); verbose {
		zl, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer func() { _ = zl.Sync() }()
		logger = kurir.NewZapLogger(zl)
	}

	trie := cfg.PolicyTrie()
	if err := loadPolicy(cfg, trie); err != nil {
		return err
	}
	opts, err := cfg.PipelineOptions(cmd.Context())
	if err != nil {
		return err
	}
	p, err := kurir.NewPipeline(append(opts, kurir.WithPolicyTrie(trie), kurir.WithLogger(logger))...)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	parallel, _ := flags.GetInt("parallel")
	start := time.Now()
	results := p.SubmitBatch(cmd.Context(), args, parallel, submitOpts...)
	logger.Debug("Batch finished", "identifiers", len(args), "elapsed", time.Since(start))

	if err := writeResults(cmd.OutOrStdout(), output, results); err != nil {
		return err
	}

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			if output == "raw" {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", r.Raw, r.Err)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d fetches failed", failed, len(results))
	}
	return nil
}

func writeResults(w io.Writer, format string, results []kurir.BatchResult) error {
	switch format {
	case "wire":
		enc := kurir.NewStreamEncoder(w)
		for _, r := range results {
			if r.Err != nil {
				continue
			}
			if err := enc.Encode(r.Result); err != nil {
				return err
			}
		}
	case "json":
		enc := json.NewEncoder(w)
		for _, r := range results {
			out := fetchOutput{Identifier: r.Raw}
			if r.Err != nil {
				out.Error = r.Err.Error()
			} else {
				out.Identifier = r.Result.Identifier.String()
				out.Status = r.Result.Status
				out.Header = r.Result.Header
				out.Payload = string(r.Result.Payload)
				out.Attempts = r.Result.Attempts
			}
			if err := enc.Encode(out); err != nil {
				return err
			}
		}
	default:
		for _, r := range results {
			if r.Err != nil {
				continue
			}
			if _, err := w.Write(r.Result.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}
