package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deckard-mcp/deckard/internal/daemon"
	"github.com/deckard-mcp/deckard/internal/output"
	"github.com/deckard-mcp/deckard/pkg/version"
)

// searchOptions holds the search command flags.
type searchOptions struct {
	root     string
	regex    bool
	types    []string
	path     string
	excludes []string
	recency  bool
	limit    int
	offset   int
	jsonOut  bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search an indexed workspace",
		Long: `Search the workspace index through the daemon, starting the daemon
if none is running.

Examples:
  deckard search "write gate"
  deckard search "func (s \*Store)" --regex
  deckard search handleBatch --type go --limit 5
  deckard search TODO --path internal/ --exclude "*_test.go"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVar(&opts.root, "root", "", "Workspace root (default: current directory)")
	cmd.Flags().BoolVar(&opts.regex, "regex", false, "Treat the query as a regular expression")
	cmd.Flags().StringSliceVarP(&opts.types, "type", "t", nil, "Filter by language (repeatable)")
	cmd.Flags().StringVar(&opts.path, "path", "", "Restrict results to a path prefix")
	cmd.Flags().StringSliceVar(&opts.excludes, "exclude", nil, "Exclude gitignore-style patterns (repeatable)")
	cmd.Flags().BoolVar(&opts.recency, "recency", false, "Boost recently modified files")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum results per page")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Result offset for pagination")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Output as JSON")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root := opts.root
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return err
		}
	}

	if err := daemon.EnsureDaemon(ctx, cfg); err != nil {
		return err
	}
	client := daemon.NewClient(cfg.Port, cfg.LegacyFraming)
	defer func() { _ = client.Close() }()

	if _, err := client.Initialize(ctx, daemon.InitializeParams{
		Root:          root,
		ClientVersion: version.Short(),
	}); err != nil {
		return err
	}

	res, err := client.Search(ctx, daemon.SearchParams{
		Query:           query,
		UseRegex:        opts.regex,
		FileTypes:       opts.types,
		PathPattern:     opts.path,
		ExcludePatterns: opts.excludes,
		RecencyBoost:    opts.recency,
		Limit:           opts.limit,
		Offset:          opts.offset,
		Root:            root,
	})
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	out := output.New(cmd.OutOrStdout())
	if len(res.Hits) == 0 {
		out.Println("no matches")
		return nil
	}
	for _, h := range res.Hits {
		out.Hit(h.Path, h.StartLine, h.Score, h.Snippet)
		out.Newline()
	}
	shown := opts.offset + len(res.Hits)
	if res.Total > shown {
		out.Println(fmt.Sprintf("%d of %d matches (use --offset %d for more)",
			shown, res.Total, shown))
	}
	return nil
}
