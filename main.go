package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"mailsort_daemon/config"
	"mailsort_daemon/core/domain"
	"mailsort_daemon/internal/bootstrap"
	"mailsort_daemon/pkg/logger"
)

func main() {
	// .env is optional, for local development.
	godotenv.Load()

	var (
		mode       = flag.String("mode", "watch", "Run mode: watch, sweep, induct, harvest")
		configPath = flag.String("config", "mailsort.toml", "Path to the config file")
		source     = flag.String("source", "", "Force a mail source: cache, imap, duplex")
		folders    = flag.String("folders", "", "Comma-separated folder specs (folder or server:folder)")
		account    = flag.String("account", "", "Transfer target account: local, imap, or an account id; empty classifies only")
		limit      = flag.Int("limit", 0, "Sweep: max messages per folder (0 = all)")
		samples    = flag.Int("samples", 0, "Induct: sample size (0 = config default)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("info")
		log := logger.For("main")
		log.Fatal().Err(err).Msg("cannot load config")
	}
	logger.Init(cfg.LogLevel)
	log := logger.For("main")

	if err := cfg.Validate(*mode); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	deps, cleanup, err := bootstrap.NewDeps(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "watch":
		err = bootstrap.RunWatch(ctx, deps, bootstrap.WatchOptions{
			Account: domain.AccountSelector(*account),
		})
	case "sweep":
		err = bootstrap.RunSweep(ctx, deps, bootstrap.SweepOptions{
			Source:  *source,
			Folders: splitList(*folders),
			Account: domain.AccountSelector(*account),
			Limit:   *limit,
		})
	case "induct":
		err = bootstrap.RunInduct(ctx, deps, bootstrap.InductOptions{
			Source:     *source,
			Folders:    splitList(*folders),
			SampleSize: *samples,
		})
	case "harvest":
		err = bootstrap.RunHarvest(ctx, deps, *source)
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
	if err != nil {
		log.Error().Err(err).Str("mode", *mode).Msg("run failed")
		cleanup()
		os.Exit(1)
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
