package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/docs-aggregator/internal/api"
	"github.com/JakeFAU/docs-aggregator/internal/worker"
)

type aggregateOptions struct {
	allowedPath string
	title       string
	strategies  []string
	overwrite   bool
	parallel    int
	jsonOutput  bool
}

func newAggregateCmd() *cobra.Command {
	opts := &aggregateOptions{}
	cmd := &cobra.Command{
		Use:   "aggregate [entry-url...]",
		Short: "Aggregate one or more documentation subtrees into Markdown artifacts",
		Long: `Discovers the pages under each entry URL, fetches and converts them, and
writes one artifact per entry URL to the configured output. With no argument
the target.entry_url from the configuration is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(rt *runtime, svc Service) error {
				reqs, err := requestsFor(args, rt, opts.allowedPath, opts.title, opts.strategies)
				if err != nil {
					return err
				}
				for i := range reqs {
					reqs[i].Overwrite = opts.overwrite
				}
				results, err := aggregateAll(cmd.Context(), svc, reqs, opts.parallel, rt.logger)
				if opts.jsonOutput {
					if encErr := writeJSON(cmd.OutOrStdout(), results); encErr != nil {
						return encErr
					}
				} else {
					for _, res := range results {
						printResult(cmd.OutOrStdout(), res)
					}
				}
				return err
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.allowedPath, "allowed-path", "", "path prefix pages must share (default: the entry URL's directory)")
	flags.StringVar(&opts.title, "title", "", "artifact title and file name stem")
	flags.StringSliceVar(&opts.strategies, "strategies", nil, "discovery strategies to try, in order")
	flags.BoolVar(&opts.overwrite, "overwrite", false, "rewrite the artifact even when its content is unchanged")
	flags.IntVar(&opts.parallel, "parallel", 1, "entry URLs aggregated at once")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print run results as JSON")

	flags.Int("max-pages", 0, "upper bound on pages per artifact")
	flags.String("backend", "", "page fetcher: http, headless or firecrawl")
	flags.Bool("promote-headless", false, "refetch script-heavy pages with headless Chrome")
	flags.String("output", "", "output provider: local, gcs or memory")
	flags.String("output-dir", "", "directory for the local output provider")
	flags.Bool("html-preview", false, "also write an HTML rendering of each artifact")
	flags.Bool("report", true, "also write a Markdown run report")
	flags.Bool("toc", true, "insert a table of contents")
	flags.Int("toc-max-level", 0, "deepest heading level listed in the table of contents")
	flags.Bool("normalize-headings", true, "demote headings of later pages under the first page's title")
	flags.Bool("cache", false, "reuse pages from the on-disk page cache")
	return cmd
}

// requestsFor turns positional URLs, or the configured target, into requests.
func requestsFor(args []string, rt *runtime, allowedPath, title string, strategies []string) ([]api.Request, error) {
	urls := args
	if len(urls) == 0 {
		if rt.cfg.Target.EntryURL == "" {
			return nil, errors.New("no entry URL: pass one or set target.entry_url")
		}
		urls = []string{rt.cfg.Target.EntryURL}
		if allowedPath == "" {
			allowedPath = rt.cfg.Target.AllowedPath
		}
	}
	if title != "" && len(urls) > 1 {
		return nil, errors.New("--title applies to a single entry URL")
	}
	reqs := make([]api.Request, 0, len(urls))
	for _, u := range urls {
		req := api.Request{URL: u, AllowedPath: allowedPath, Title: title, Strategies: strategies}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", u, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// aggregateAll runs reqs with at most parallel in flight. Results keep the
// order of reqs; every failure is reported in the joined error.
func aggregateAll(ctx context.Context, svc api.Service, reqs []api.Request, parallel int, logger *zap.Logger) ([]worker.RunResult, error) {
	if parallel <= 0 {
		parallel = 1
	}
	results := make([]worker.RunResult, len(reqs))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := svc.Aggregate(gctx, req)
			results[i] = res
			if err != nil {
				logger.Warn("aggregation failed", zap.String("url", req.URL), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", req.URL, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(errs...)
}

func printResult(w io.Writer, res worker.RunResult) {
	ok := len(res.SourceURLs)
	failed := len(res.FailedURLs)
	fmt.Fprintf(w, "%s\n", res.EntryURL)
	fmt.Fprintf(w, "  run:      %s\n", res.RunID)
	fmt.Fprintf(w, "  strategy: %s\n", res.Strategy)
	fmt.Fprintf(w, "  pages:    %d aggregated, %d failed\n", ok, failed)
	if res.ArtifactURI != "" {
		fmt.Fprintf(w, "  artifact: %s (%s)\n", res.ArtifactURI, res.ArtifactStatus)
	}
	if res.PreviewURI != "" {
		fmt.Fprintf(w, "  preview:  %s\n", res.PreviewURI)
	}
	if res.ReportURI != "" {
		fmt.Fprintf(w, "  report:   %s\n", res.ReportURI)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
