package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lvonguyen/iocforge/internal/config"
	"github.com/lvonguyen/iocforge/internal/enrichment"
	"github.com/lvonguyen/iocforge/internal/ingestion"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

const defaultTimeout = 30 * time.Second

// errRejected signals a non-zero exit after output was already printed.
var errRejected = errors.New("file rejected")

type options struct {
	server     string
	configFile string
	outputJSON bool
	noColor    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "iocctl",
		Short:         "Operate an IOCForge server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("IOCFORGE_URL", "http://localhost:8080"), "IOCForge base URL")
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file for upload limits (validate only)")
	root.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newProvidersCmd(opts))
	root.AddCommand(newCacheCmd(opts))

	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// validate
// =============================================================================

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.csv>",
		Short: "Check an IOC upload offline",
		Long: `Parse a CSV file with the same rules the server applies on upload and
report per-row errors. Nothing is sent to the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limits := ingestion.DefaultLimits()
			if opts.configFile != "" {
				cfg, err := config.Load(opts.configFile)
				if err != nil {
					return err
				}
				limits = cfg.Ingest
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			if st, err := f.Stat(); err == nil && limits.MaxBytes > 0 && st.Size() > limits.MaxBytes {
				return fmt.Errorf("%w: %d bytes exceeds %d", ingestion.ErrFileTooLarge, st.Size(), limits.MaxBytes)
			}

			res, err := ingestion.NewParser(limits).Parse(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.outputJSON {
				if err := writeJSON(out, res); err != nil {
					return err
				}
			} else {
				renderParseResult(out, args[0], res)
			}
			if res.RowsOK == 0 && res.TotalRows > 0 {
				return errRejected
			}
			return nil
		},
	}
}

func renderParseResult(w io.Writer, name string, res *ingestion.ParseResult) {
	headerColor.Fprintf(w, "%s\n", name)
	fmt.Fprintf(w, "  rows:       %d\n", res.TotalRows)
	successColor.Fprintf(w, "  ok:         %d\n", res.RowsOK)
	if res.RowsFailed > 0 {
		errorColor.Fprintf(w, "  failed:     %d\n", res.RowsFailed)
	} else {
		fmt.Fprintf(w, "  failed:     0\n")
	}
	fmt.Fprintf(w, "  duplicates: %d\n", res.Duplicates)
	fmt.Fprintf(w, "  unique:     %d\n", len(res.IOCs))

	if len(res.Errors) == 0 {
		return
	}
	fmt.Fprintln(w)
	warningColor.Fprintln(w, "Row errors:")
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e.Error())
	}
}

// =============================================================================
// providers
// =============================================================================

func newProvidersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show provider readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			var body struct {
				Providers []enrichment.ProviderStatus `json:"providers"`
			}
			if err := newClient(opts.server).do(ctx, "GET", "/api/v1/providers", nil, &body); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.outputJSON {
				return writeJSON(out, body.Providers)
			}
			renderProviders(out, body.Providers)
			return nil
		},
	}
}

func renderProviders(w io.Writer, providers []enrichment.ProviderStatus) {
	if len(providers) == 0 {
		warningColor.Fprintln(w, "No providers configured")
		return
	}
	headerColor.Fprintf(w, "%-16s %-10s %-10s %s\n", "PROVIDER", "STATUS", "RATE/MIN", "TYPES")
	for _, p := range providers {
		status := successColor.Sprintf("%-10s", "ready")
		if !p.Ready {
			status = errorColor.Sprintf("%-10s", "not ready")
		}
		types := make([]string, len(p.SupportedTypes))
		for i, t := range p.SupportedTypes {
			types[i] = string(t)
		}
		rate := "-"
		if p.RateLimit > 0 {
			rate = fmt.Sprint(p.RateLimit)
		}
		fmt.Fprintf(w, "%-16s %s %-10s %s\n", p.Name, status, rate, strings.Join(types, ","))
		if p.Reason != "" {
			warningColor.Fprintf(w, "%-16s %s\n", "", p.Reason)
		}
	}
}

// =============================================================================
// cache
// =============================================================================

func newCacheCmd(opts *options) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Administer the result cache",
	}
	cacheCmd.AddCommand(newCacheTTLCmd(opts))
	cacheCmd.AddCommand(newCacheClearCmd(opts))
	return cacheCmd
}

type ttlResponse struct {
	TTL struct {
		Positive string `json:"positive"`
		Negative string `json:"negative"`
	} `json:"ttl"`
}

func newCacheTTLCmd(opts *options) *cobra.Command {
	var positive, negative time.Duration

	cmd := &cobra.Command{
		Use:   "ttl",
		Short: "Show or change the cache TTLs",
		Long: `Without flags, print the positive and negative TTLs. With --positive
and/or --negative, update them; an omitted window keeps its value.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()
			c := newClient(opts.server)

			var resp ttlResponse
			if cmd.Flags().Changed("positive") || cmd.Flags().Changed("negative") {
				req := map[string]string{}
				if cmd.Flags().Changed("positive") {
					req["positive"] = positive.String()
				}
				if cmd.Flags().Changed("negative") {
					req["negative"] = negative.String()
				}
				if err := c.do(ctx, "PUT", "/api/v1/cache/ttl", req, &resp); err != nil {
					return err
				}
				if !opts.outputJSON {
					successColor.Fprintln(cmd.OutOrStdout(), "Cache TTL updated")
				}
			} else if err := c.do(ctx, "GET", "/api/v1/cache/ttl", nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				return writeJSON(out, resp.TTL)
			}
			fmt.Fprintf(out, "positive: %s\nnegative: %s\n", resp.TTL.Positive, resp.TTL.Negative)
			return nil
		},
	}
	cmd.Flags().DurationVar(&positive, "positive", 0, "TTL for findings (e.g. 24h)")
	cmd.Flags().DurationVar(&negative, "negative", 0, "TTL for not-found and failed lookups (e.g. 6h)")
	return cmd
}

func newCacheClearCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached provider response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()
			if err := newClient(opts.server).do(ctx, "DELETE", "/api/v1/cache", nil, nil); err != nil {
				return err
			}
			successColor.Fprintln(cmd.OutOrStdout(), "Result cache cleared")
			return nil
		},
	}
}
