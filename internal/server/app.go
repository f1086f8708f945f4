// Package server wires the inspection engine together: configuration,
// PostgreSQL, object storage, the Mason advisor, the REST API and the gRPC
// health endpoint, with graceful shutdown on SIGINT/SIGTERM.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/proveniq/inspectvault/internal/logging"
	"github.com/proveniq/inspectvault/internal/server/config"
	gs "github.com/proveniq/inspectvault/internal/server/grpc"
	"github.com/proveniq/inspectvault/internal/server/mason"
	"github.com/proveniq/inspectvault/internal/server/repositories/repomanager"
	"github.com/proveniq/inspectvault/internal/server/rest"
	"github.com/proveniq/inspectvault/internal/server/services"
	"github.com/proveniq/inspectvault/internal/server/storage"
)

// Seams for tests.
var (
	openDB = func(dsn string) (*sql.DB, error) {
		return sql.Open("pgx", dsn)
	}
	newStorage = func(ctx context.Context, cfg *config.Config) (storage.Provider, error) {
		return storage.NewS3Provider(ctx, cfg)
	}
)

// dbConnectAttempts bounds the startup ping; the database often starts
// alongside the engine.
const dbConnectAttempts = 10

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	inspections *services.InspectionService
	evidence    *services.EvidenceService
	diff        *services.DiffService
	packets     *services.ClaimPacketService
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewJSONLogger(os.Stdout, c.LogLevel)

	db, err := openDB(c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	backoff := retry.WithMaxRetries(dbConnectAttempts, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			logger.Warn(ctx, "database not reachable yet", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	store, err := newStorage(ctx, c)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	diff := services.NewDiffService(db, rm, newAdvisor(c), c, logger)

	return &App{
		config:      c,
		logger:      logger,
		db:          db,
		inspections: services.NewInspectionService(db, rm, c, logger),
		evidence:    services.NewEvidenceService(db, rm, store, c, logger),
		diff:        diff,
		packets:     services.NewClaimPacketService(diff, store, c, logger),
	}, nil
}

// newAdvisor selects the remote Mason service when an endpoint is set and
// the built-in cost matrix otherwise; both are cached.
func newAdvisor(c *config.Config) mason.Advisor {
	var next mason.Advisor = mason.NewMatrixAdvisor()
	if c.MasonEndpoint != "" {
		next = mason.NewHTTPAdvisor(c.MasonEndpoint, &http.Client{Timeout: c.MasonTimeout})
	}
	return mason.NewCachedAdvisor(next, c.MasonCacheSize, c.MasonCacheTTL)
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) router() http.Handler {
	h := rest.NewHandler(app.inspections, app.evidence, app.diff, app.packets, app.logger.With("module", "rest"))
	return rest.NewRouter(h, rest.NewHealthHandler(app.db), []byte(app.config.SecretKey), app.logger.With("module", "http"))
}

// Run serves REST and gRPC until a signal arrives or either server fails.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.db.Close()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rest.NewServer(app.config.EndpointAddrHTTP, app.router(), app.config.ShutdownTimeout, app.logger).Run(ctx)
	})
	g.Go(func() error {
		return gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.db, 5*time.Second, app.logger).Run(ctx)
	})

	if err := g.Wait(); err != nil {
		app.logger.Error(ctx, "server stopped with error", "error", err)
		return err
	}
	app.logger.Info(ctx, "App stopped")
	return nil
}
