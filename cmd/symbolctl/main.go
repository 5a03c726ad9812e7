// Command symbolctl inspects and reloads the symbol database.
//
//	symbolctl tables
//	symbolctl load [--force]
//	symbolctl search [--limit n] <query>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/caesar-terminal/tickerdesk/internal/config"
	"github.com/caesar-terminal/tickerdesk/internal/logging"
	"github.com/caesar-terminal/tickerdesk/internal/symbols"
)

const usage = `usage: symbolctl [--env-dir dir] <command> [flags]

commands:
  tables              list loaded symbol tables
  load [--force]      download and load the symbol masters
  search <query>      search tickers and descriptions
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "symbolctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := pflag.NewFlagSet("symbolctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)
	envDir := global.String("env-dir", ".", "directory holding the .env files")
	verbose := global.BoolP("verbose", "v", false, "log progress to stderr")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		return errUsage
	}

	if _, err := config.LoadEnvFile(*envDir); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCfg := config.LogConfig{Level: "warn", Format: "text"}
	if *verbose {
		logCfg.Level = "debug"
	}
	log := logging.New(stderr, logCfg, false)

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "tables", "load", "search":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	opts := symbols.Options{
		DBPath:   cfg.Symbols.DBPath,
		DataDir:  cfg.Symbols.DataDir,
		Timeout:  cfg.Symbols.DownloadTimeout,
		LockWait: cfg.Symbols.LockWait,
		Logger:   log,
	}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = symbols.DialRedis(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts.Locker = symbols.NewRedisLocker(symbols.NewRedisClient(rdb))
	}

	m, err := symbols.Open(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	switch cmd {
	case "tables":
		return cmdTables(ctx, m, stdout)
	case "load":
		var pub symbols.Publisher
		if rdb != nil {
			pub = rdb
		}
		return cmdLoad(ctx, m, cfg, pub, rest, stdout)
	default:
		return cmdSearch(ctx, m, rest, stdout)
	}
}

func cmdTables(ctx context.Context, m *symbols.Master, w io.Writer) error {
	sources, err := m.Sources(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tROWS\tLOADED\tSOURCE")
	for _, s := range sources {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.Table, s.Rows, s.LoadedAt.Format("2006-01-02 15:04:05"), s.URL)
	}
	return tw.Flush()
}

// cmdLoad loads the symbol masters. When pub is set, running services are
// told about a completed load.
func cmdLoad(ctx context.Context, m *symbols.Master, cfg *config.Config, pub symbols.Publisher, args []string, w io.Writer) error {
	fs := pflag.NewFlagSet("load", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	force := fs.Bool("force", false, "reload even when tables exist")
	if err := fs.Parse(args); err != nil {
		return err
	}

	urls := cfg.Symbols.Sources
	if len(urls) == 0 {
		urls = symbols.DefaultSourceURLs
	}

	if *force {
		tables, err := m.ProcessAll(ctx, urls)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "loaded %d tables\n", len(tables))
		return announce(ctx, pub, tables)
	}

	res := symbols.AutoInit(ctx, symbols.AutoInitOptions{
		Master:  m,
		DataDir: cfg.Symbols.DataDir,
		Sources: urls,
		Logger:  slog.Default(),
	})
	if res.Err != nil {
		return res.Err
	}
	fmt.Fprintf(w, "%s: %v\n", res.Status, res.Tables)
	if res.Status == symbols.InitLoaded {
		return announce(ctx, pub, res.Tables)
	}
	return nil
}

func announce(ctx context.Context, pub symbols.Publisher, tables []string) error {
	if pub == nil {
		return nil
	}
	return symbols.PublishReload(ctx, pub, tables)
}

func cmdSearch(ctx context.Context, m *symbols.Master, args []string, w io.Writer) error {
	fs := pflag.NewFlagSet("search", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.IntP("limit", "n", 20, "maximum results")
	asJSON := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: search takes exactly one query", errUsage)
	}

	found, err := m.Search(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tDETAILS\tLOT\tTICK\tTABLE")
	for _, s := range found {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%g\t%s\n", s.Ticker, s.Details, s.LotSize, s.TickSize, s.Table)
	}
	return tw.Flush()
}
