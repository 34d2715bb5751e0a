// editionsync assigns dense, purchase-ordered edition numbers to the line
// items of limited-edition products and keeps them consistent as orders are
// redelivered, duplicated or removed.
//
// Usage:
//
//	editionsync serve [--config <path>] [--verbose]
//	editionsync sync-once --product <id>[,<id>...] [--force] [--config <path>]
//	editionsync version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/njoerd114/editionsync/internal/config"
	"github.com/njoerd114/editionsync/internal/httpapi"
	"github.com/njoerd114/editionsync/internal/lock"
	"github.com/njoerd114/editionsync/internal/shop"
	"github.com/njoerd114/editionsync/internal/state"
	syncp "github.com/njoerd114/editionsync/internal/sync"
	"github.com/njoerd114/editionsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return errors.New("no command given")
	}

	switch cmd := os.Args[1]; cmd {
	case "serve":
		return runServe(os.Args[2:])
	case "sync-once":
		return runSyncOnce(os.Args[2:])
	case "version":
		fmt.Println("editionsync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "editionsync: edition number synchronisation engine")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  editionsync serve [--config ...]                 Run the HTTP API")
	fmt.Fprintln(os.Stderr, "  editionsync sync-once --product ID [--force]     Sync products then exit")
	fmt.Fprintln(os.Stderr, "  editionsync version                              Print version")
}

// productList collects --product values, repeatable or comma-separated.
type productList []string

func (p *productList) String() string { return strings.Join(*p, ",") }

func (p *productList) Set(v string) error {
	for _, id := range strings.Split(v, ",") {
		if id = strings.TrimSpace(id); id != "" {
			*p = append(*p, id)
		}
	}
	return nil
}

// --- Subcommands -------------------------------------------------------------

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:     httpapi.NewHandler(a.orchestrator, a.store, a.log),
		CORSOrigins: a.cfg.CORSOrigins,
		ServiceName: tracingServiceName(a.cfg, a.telemetryOn),
		Logger:      a.log,
	})
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedDone := make(chan struct{})
	if a.cfg.Sync.ScheduleInterval > 0 {
		sched := syncp.NewScheduler(a.orchestrator, a.cfg.Sync.ScheduledProducts,
			a.cfg.Sync.ScheduleInterval, a.cfg.Sync.ScheduledForce, a.log)
		go func() {
			defer close(schedDone)
			_ = sched.Run(ctx)
		}()
		a.log.Info("scheduler started",
			"interval", a.cfg.Sync.ScheduleInterval,
			"products", len(a.cfg.Sync.ScheduledProducts),
		)
	} else {
		close(schedDone)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	<-schedDone // the store closes after the last scheduled pass
	a.log.Info("shutdown complete")
	return nil
}

func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	force := fs.Bool("force", false, "refetch orders even when rows are already stored")
	var products productList
	fs.Var(&products, "product", "product ID to sync (repeatable or comma-separated)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(products) == 0 {
		return fmt.Errorf("at least one --product is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, *cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := a.orchestrator.Sync(ctx, products, *force)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	for _, r := range summary.Results {
		if !r.OK() {
			a.log.Error("product failed", "product_id", r.ProductID, "title", r.ProductTitle, "error", r.Error)
			continue
		}
		a.log.Info("product synced",
			"product_id", r.ProductID,
			"title", r.ProductTitle,
			"editions", r.Result.TotalEditions,
			"edition_total", r.Result.EditionTotal,
			"active", r.Result.ActiveItems,
			"removed", r.Result.RemovedItems,
			"processed", r.Result.LineItemsProcessed,
		)
	}
	a.log.Info("sync complete",
		"total", summary.TotalProducts,
		"successful", summary.SuccessfulProducts,
		"run_id", summary.RunID,
	)
	if failed := summary.TotalProducts - summary.SuccessfulProducts; failed > 0 {
		return fmt.Errorf("%d of %d products failed", failed, summary.TotalProducts)
	}
	return nil
}

// --- Wiring ------------------------------------------------------------------

// tracingServiceName returns the span service name for the HTTP router, or ""
// when telemetry is not running.
func tracingServiceName(cfg *config.Config, telemetryOn bool) string {
	if cfg.Telemetry == nil || !telemetryOn {
		return ""
	}
	if cfg.Telemetry.ServiceName != "" {
		return cfg.Telemetry.ServiceName
	}
	return telemetry.DefaultServiceName
}

// app holds the components shared by serve and sync-once.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	store        *state.Store
	orchestrator *syncp.Orchestrator
	telemetryOn  bool
	closers      []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfgPath string, verbose bool) (_ *app, err error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(textHandler)
	slog.SetDefault(logger)

	a := &app{log: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	a.cfg = cfg
	logger.Info("config loaded",
		"order_source", cfg.OrderSource.BaseURL,
		"concurrency", cfg.Sync.Concurrency,
		"duplicate_window", cfg.Sync.DuplicateWindow,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.NewLogHandler(textHandler, "editionsync"))
			slog.SetDefault(logger)
			a.log = logger
			a.telemetryOn = true
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- State DB ------------------------------------------------------------

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	})
	logger.Info("state DB opened", "path", dbPath)

	// --- Order source --------------------------------------------------------

	source, err := shop.NewAdapter(cfg.OrderSource.BaseURL, cfg.OrderSource.Token, cfg.OrderSource.Timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("initialising order source client: %w", err)
	}

	// --- Product lock --------------------------------------------------------

	var locker lock.Locker = lock.NewLocal()
	if cfg.Lock.RedisAddr != "" {
		rdb, err := lock.Dial(ctx, cfg.Lock.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis at %q: %w", cfg.Lock.RedisAddr, err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		locker = lock.NewRedis(rdb, cfg.Lock.TTL, logger)
		logger.Info("using redis product lock", "addr", cfg.Lock.RedisAddr, "ttl", cfg.Lock.TTL)
	}

	// --- Orchestrator --------------------------------------------------------

	a.orchestrator = syncp.NewOrchestrator(source, store, locker, syncp.Options{
		ProductTimeout:     cfg.Sync.ProductTimeout,
		Concurrency:        cfg.Sync.Concurrency,
		DuplicateWindow:    cfg.Sync.DuplicateWindow,
		CertificateBaseURL: cfg.CertificateBaseURL,
	}, logger)

	return a, nil
}
