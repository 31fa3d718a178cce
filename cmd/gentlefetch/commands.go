package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ambiyansyah-risyal/gentlefetch"
)

func newFetchCmd() *cobra.Command {
	var (
		params  []string
		noCache bool
		maxAge  time.Duration
		headers bool
	)
	c := &cobra.Command{
		Use:   "fetch [flags] url...",
		Short: "GET one or more URLs and print the bodies.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parsePairs(params)
			if err != nil {
				return err
			}
			env, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			opts := gentlefetch.CacheOptions{UseCache: !noCache, MaxAge: maxAge}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				resp, err := env.client.Get(cmd.Context(), args[0], q, opts)
				if err != nil {
					return err
				}
				return printResponse(out, resp, headers)
			}

			reqs := make([]*gentlefetch.Request, len(args))
			for i, u := range args {
				reqs[i] = gentlefetch.NewGetRequest(u, q)
			}
			var failed int
			for i, r := range env.client.BatchExecute(cmd.Context(), reqs, env.cfg.MaxConcurrent, opts) {
				if r.Err != nil {
					failed++
					env.logger.Error("fetch failed", zap.String("url", args[i]), zap.Error(r.Err))
					continue
				}
				if err := printResponse(out, r.Response, headers); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d requests failed", failed, len(args))
			}
			return nil
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := c.Flags()
	fs.StringArrayVarP(&params, "param", "p", nil, "query parameter key=value, repeatable")
	fs.BoolVar(&noCache, "no-cache", false, "bypass the response cache")
	fs.DurationVar(&maxAge, "max-age", 0, "freshness window for cached responses")
	fs.BoolVarP(&headers, "include", "i", false, "print status and headers")
	return c
}

func newPostCmd() *cobra.Command {
	var (
		form     []string
		jsonBody string
		headers  bool
	)
	c := &cobra.Command{
		Use:   "post [flags] url",
		Short: "POST form or JSON data to a URL.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parsePairs(form)
			if err != nil {
				return err
			}
			var payload any
			if jsonBody != "" {
				if err := json.Unmarshal([]byte(jsonBody), &payload); err != nil {
					return fmt.Errorf("invalid --json, %w", err)
				}
			}
			env, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			resp, err := env.client.Post(cmd.Context(), args[0], values, payload)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp, headers)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := c.Flags()
	fs.StringArrayVarP(&form, "data", "d", nil, "form field key=value, repeatable")
	fs.StringVar(&jsonBody, "json", "", "JSON request body")
	fs.BoolVarP(&headers, "include", "i", false, "print status and headers")
	return c
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download url path",
		Short: "Download a URL to a file.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()
			return env.client.Download(cmd.Context(), args[0], args[1])
		},
		SilenceUsage: true,
	}
}

func newPurgeCmd() *cobra.Command {
	var maxAge time.Duration
	c := &cobra.Command{
		Use:   "purge [--max-age d]",
		Short: "Remove cached responses older than max-age, or all of them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.client.Purge(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().DurationVar(&maxAge, "max-age", 0, "only remove entries older than this")
	return c
}

func newConfigCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadEnv()
			if err != nil {
				return err
			}
			b, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
		SilenceUsage: true,
	})
	return c
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), gentlefetch.GetVersion())
		},
	}
}

func parsePairs(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	v := make(url.Values, len(pairs))
	for _, p := range pairs {
		k, val, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		v.Add(k, val)
	}
	return v, nil
}

func printResponse(w io.Writer, resp *gentlefetch.Response, headers bool) error {
	if headers {
		fmt.Fprintf(w, "status: %d\n", resp.StatusCode)
		if resp.FromCache {
			fmt.Fprintln(w, "cache: hit")
		}
		if err := resp.Header.Write(w); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	_, err := w.Write(resp.Body)
	return err
}

