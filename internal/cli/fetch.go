package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"watchbot/internal/app"
	"watchbot/internal/config"
	"watchbot/internal/credentials"
	"watchbot/internal/dispatch"
	"watchbot/internal/poller"
	"watchbot/internal/source"
	"watchbot/pkg/logx"
)

var (
	fetchLimit      int
	fetchStrategies []string
	fetchTimeout    time.Duration
	fetchVerbose    bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <platform:identifier>",
	Short: "Poll one source once and print what it returns",
	Long: `Runs the strategy chain for a single source, without touching the
tracker or any sink, and prints the items newest first. Useful to check
credentials, mirrors and selectors.

Examples:
  watchbot fetch discord:123456/789012
  watchbot fetch twitter:someone --strategy rss --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().IntVarP(&fetchLimit, "limit", "n", 10, "maximum items to fetch")
	fetchCmd.Flags().StringSliceVarP(&fetchStrategies, "strategy", "s", nil, "strategy order override (api, html, rss, browser)")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 2*time.Minute, "overall timeout")
	fetchCmd.Flags().BoolVarP(&fetchVerbose, "verbose", "v", false, "log every strategy attempt")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	ref, err := source.ParseRef(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfigOrEmpty(cfgPath)
	if err != nil {
		return err
	}

	level := "warn"
	if fetchVerbose {
		level = "debug"
	}
	log := logx.NewConsole(level)

	sess, err := app.NewBrowser(cfg, log)
	if err != nil {
		return err
	}
	if sess != nil {
		defer sess.Close()
	}

	reg, err := app.BuildRegistry(cfg, app.ChainDeps{
		Creds:   credentials.NewStatic(app.Credentials(cfg)),
		Browser: sess,
		Log:     log,
	})
	if err != nil {
		return err
	}

	src := source.Source{Ref: ref, Strategies: strategyOrder(cfg, ref.Platform)}
	ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout)
	defer cancel()

	res := reg.Fetch(ctx, src, fetchLimit)
	printResult(cmd.OutOrStdout(), res, time.Now())
	if !res.OK() {
		return errors.New("every strategy failed")
	}
	return nil
}

func loadConfigOrEmpty(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &config.Config{}, nil
	}
	return config.NewConfigManager(path).Load()
}

func strategyOrder(cfg *config.Config, p source.Platform) []source.StrategyKind {
	names := fetchStrategies
	if len(names) == 0 {
		switch p {
		case source.Discord:
			names = cfg.Discord.Strategies
		case source.Twitter:
			names = cfg.Twitter.Strategies
		}
	}
	var out []source.StrategyKind
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			out = append(out, source.StrategyKind(n))
		}
	}
	return out
}

func printResult(w io.Writer, res poller.Result, now time.Time) {
	for _, a := range res.Attempts {
		line := fmt.Sprintf("# %s: %s (%d items, %s)", a.Strategy, a.Result, a.Items, a.Took.Round(time.Millisecond))
		if a.Err != nil {
			line += ": " + a.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
	for _, it := range res.Items {
		when := "unknown time"
		if !it.CreatedAt.IsZero() {
			when = humanize.RelTime(it.CreatedAt, now, "ago", "from now")
		}
		fmt.Fprintf(w, "\n[%s] %s, %s\n%s\n", it.ID, it.Author, when, dispatch.Truncate(it.Text, 280))
		if link := dispatch.Permalink(it); link != "" {
			fmt.Fprintln(w, link)
		}
	}
}
