package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"

	"github.com/did-method-sol/go-didsol/ledger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "didsol-ledger",
		Usage: "local did:sol ledger: account store, instruction pipeline and HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "postgres-url",
				Usage:   "PostgreSQL connection string (if set, uses Postgres instead of SQLite)",
				Sources: cli.EnvVars("POSTGRES_URL"),
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Usage:   "SQLite database file path (used when --postgres-url is not set)",
				Value:   "didsol-ledger.db",
				Sources: cli.EnvVars("SQLITE_PATH"),
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "HTTP server listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("LEDGER_BIND"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Metrics HTTP server listen address",
				Value:   ":9464",
				Sources: cli.EnvVars("METRICS_ADDR"),
			},
			&cli.IntFlag{
				Name:    "num-workers",
				Usage:   "Number of execution worker threads (0 = auto)",
				Value:   0,
				Sources: cli.EnvVars("NUM_WORKERS"),
			},
			&cli.BoolFlag{
				Name:    "faucet",
				Usage:   "Enable the POST /faucet lamport airdrop endpoint",
				Sources: cli.EnvVars("LEDGER_FAUCET"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Output logs in JSON format",
				Sources: cli.EnvVars("LOG_JSON"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newLogger(logLevel string, logJSON bool) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if logJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cmd *cli.Command) error {
	postgresURL := cmd.String("postgres-url")
	sqlitePath := cmd.String("sqlite-path")
	bind := cmd.String("bind")
	metricsAddr := cmd.String("metrics-addr")
	numWorkers := cmd.Int("num-workers")
	faucet := cmd.Bool("faucet")

	logger := newLogger(cmd.String("log-level"), cmd.Bool("log-json"))
	slog.SetDefault(logger)

	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	otelShutdown, err := setupOTel(ctx)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer otelShutdown(context.Background())

	var store *ledger.GormAccountStore
	if postgresURL != "" {
		slog.Info("using database", "type", "postgres")
		store, err = ledger.NewGormAccountStoreWithPostgres(postgresURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create postgres store: %w", err)
		}
	} else {
		slog.Info("using database", "type", "sqlite", "path", sqlitePath)
		store, err = ledger.NewGormAccountStoreWithSqlite(sqlitePath, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqlite store: %w", err)
		}
	}

	lastSeq, err := store.LatestSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to read latest seq: %w", err)
	}
	state := ledger.NewLedgerState(lastSeq)

	l := ledger.NewLedger(store, state, numWorkers, logger)
	server := ledger.NewServer(store, l, state, bind, faucet, logger)
	if faucet {
		slog.Warn("faucet enabled, anyone can mint lamports")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Run)

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("metrics server listening", "addr", metricsAddr)
		return http.ListenAndServe(metricsAddr, mux)
	})

	g.Go(func() error {
		return l.Run(gctx)
	})

	return g.Wait()
}
