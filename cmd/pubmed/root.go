package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/helixir/pubmed-service/internal/app"
	"github.com/helixir/pubmed-service/internal/config"
	"github.com/helixir/pubmed-service/internal/observability"
	"github.com/helixir/pubmed-service/internal/tools"
)

type rootOptions struct {
	configPath string
	logLevel   string
	compact    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "pubmed",
		Short:         "Query PubMed and manage open-access full texts",
		Long:          "pubmed runs the PubMed tools locally with the same cache and configuration as the server, printing each result as JSON.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")
	root.PersistentFlags().BoolVar(&opts.compact, "compact", false, "print JSON without indentation")

	root.AddCommand(
		newToolsCmd(opts),
		newCallCmd(opts),
		newSearchCmd(opts),
		newDetailsCmd(opts),
		newFulltextCmd(opts),
		newExportCmd(opts),
		newCacheCmd(opts),
		newSystemCmd(opts),
	)
	return root
}

// withFacade loads configuration, builds the service and runs fn. Metrics
// stay off: a CLI run has nothing to scrape them.
func withFacade(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, f *tools.Facade) (any, error)) error {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Metrics.Enabled = false

	logger := observability.NewLoggerTo(observability.LoggingConfig{
		Level:  opts.logLevel,
		Format: "console",
	}, cmd.ErrOrStderr())

	svc, err := app.New(cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := fn(ctx, svc.Tools)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result, opts.compact)
}

func printJSON(w io.Writer, v any, compact bool) error {
	enc := json.NewEncoder(w)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func newToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the available tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFacade(cmd, opts, func(_ context.Context, f *tools.Facade) (any, error) {
				return f.List(), nil
			})
		},
	}
}

func newCallCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Invoke any tool with JSON arguments",
		Example: `  pubmed call pubmed_search '{"query":"crispr","max_results":5}'
  echo '{"pmids":["12345678"]}' | pubmed call pubmed_get_details -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
				if args[1] == "-" {
					b, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read arguments: %w", err)
					}
					raw = b
				}
			}
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				return f.Invoke(ctx, args[0], raw)
			})
		},
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		req        tools.SearchRequest
		noAbstract bool
		quick      bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search PubMed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = args[0]
			if noAbstract {
				include := false
				req.IncludeAbstract = &include
			}
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				if quick {
					return f.QuickSearch(ctx, tools.QuickSearchRequest{Query: req.Query, MaxResults: req.MaxResults})
				}
				return f.Search(ctx, req)
			})
		},
	}
	cmd.Flags().IntVarP(&req.MaxResults, "max", "n", 0, "maximum number of results")
	cmd.Flags().IntVar(&req.PageSize, "page-size", 0, "results per page")
	cmd.Flags().IntVar(&req.DaysBack, "days-back", 0, "only articles published in the last N days")
	cmd.Flags().StringVar(&req.SortBy, "sort", "", "relevance, date or pub_date")
	cmd.Flags().StringVarP(&req.ResponseFormat, "format", "f", "", "compact, standard, llm_optimized or detailed")
	cmd.Flags().BoolVar(&noAbstract, "no-abstract", false, "omit abstracts")
	cmd.Flags().BoolVar(&quick, "quick", false, "compact quick search")
	return cmd
}

func newDetailsCmd(opts *rootOptions) *cobra.Command {
	var (
		fullAbstract bool
		keyInfo      bool
		related      string
	)
	cmd := &cobra.Command{
		Use:   "details <pmid>...",
		Short: "Fetch full records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				switch {
				case keyInfo:
					return f.ExtractKeyInfo(ctx, tools.ExtractKeyInfoRequest{PMID: args[0]})
				case related != "":
					return f.CrossReference(ctx, tools.CrossReferenceRequest{PMID: args[0], ReferenceType: related})
				default:
					return f.GetDetails(ctx, tools.GetDetailsRequest{PMIDs: args, IncludeFullText: fullAbstract})
				}
			})
		},
	}
	cmd.Flags().BoolVar(&fullAbstract, "full-abstract", false, "include the plain text abstract")
	cmd.Flags().BoolVar(&keyInfo, "key-info", false, "condense the first PMID into key sections")
	cmd.Flags().StringVar(&related, "related", "", "find related articles of the first PMID: similar or reviews")
	return cmd
}

func newFulltextCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fulltext",
		Short: "Detect, download and manage open-access PDFs",
	}

	var autoDownload bool
	detect := &cobra.Command{
		Use:   "detect <pmid>",
		Short: "Locate an open-access copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				return f.DetectFulltext(ctx, tools.DetectFulltextRequest{PMID: args[0], AutoDownload: autoDownload})
			})
		},
	}
	detect.Flags().BoolVar(&autoDownload, "download", false, "download when available")

	var (
		force       bool
		concurrency int
	)
	download := &cobra.Command{
		Use:   "download <pmid>...",
		Short: "Download open-access PDFs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				if len(args) == 1 {
					return f.DownloadFulltext(ctx, tools.DownloadFulltextRequest{PMID: args[0], ForceDownload: force})
				}
				return f.BatchDownload(ctx, tools.BatchDownloadRequest{PMIDs: args, Concurrency: concurrency})
			})
		},
	}
	download.Flags().BoolVar(&force, "force", false, "download again even when stored")
	download.Flags().IntVar(&concurrency, "concurrency", 0, "parallel downloads for several PMIDs")

	var pmid string
	status := &cobra.Command{
		Use:       "status [stats|list|clean|clear]",
		Short:     "Inspect or maintain the PDF library",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{tools.ActionStats, tools.ActionList, tools.ActionClean, tools.ActionClear},
		RunE: func(cmd *cobra.Command, args []string) error {
			req := tools.FulltextStatusRequest{PMID: pmid}
			if len(args) == 1 {
				req.Action = args[0]
			}
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				return f.FulltextStatus(ctx, req)
			})
		},
	}
	status.Flags().StringVar(&pmid, "pmid", "", "limit list to one PMID")

	cmd.AddCommand(detect, download, status)
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <pmid>...",
		Short: "Export citations as RIS, BibTeX or EndNote",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				return f.ExportCitations(ctx, tools.ExportCitationsRequest{PMIDs: args, Format: format})
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ris", "ris, bibtex or endnote")

	archive := &cobra.Command{
		Use:   "archive [stats|list]",
		Short: "Inspect the citation export archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := tools.EndNoteStatusRequest{}
			if len(args) == 1 {
				req.Action = args[0]
			}
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				return f.EndNoteStatus(ctx, req)
			})
		},
	}
	cmd.AddCommand(archive)
	return cmd
}

func newCacheCmd(opts *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "cache [stats|clear|clean|clean_files|clear_files]",
		Short: "Inspect or maintain the response cache",
		Args:  cobra.MaximumNArgs(1),
		ValidArgs: []string{
			tools.CacheStats, tools.CacheClear, tools.CacheClean,
			tools.CacheCleanFiles, tools.CacheClearFiles,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			req := tools.CacheInfoRequest{Kind: kind}
			if len(args) == 1 {
				req.Action = args[0]
			}
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				return f.CacheInfo(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "limit clear_files to one kind: search, article, abstract, oa or fulltext")
	return cmd
}

func newSystemCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "system",
		Short: "Report platform and download tool availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFacade(cmd, opts, func(ctx context.Context, f *tools.Facade) (any, error) {
				return f.SystemCheck(ctx, tools.SystemCheckRequest{})
			})
		},
	}
}
