package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"licensegate/internal/audit"
	"licensegate/internal/challenge"
	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
	"licensegate/internal/middleware"
	"licensegate/internal/nonce"
	"licensegate/internal/ratelimit"
	"licensegate/internal/security"
	"licensegate/internal/services"
	"licensegate/internal/storage"
	"licensegate/internal/storage/memory"
	"licensegate/internal/storage/postgres"
	"licensegate/internal/storage/redisstore"
	"licensegate/internal/storage/sheets"
	handlers "licensegate/internal/transport/http"
	"licensegate/internal/validation"
	ws "licensegate/internal/websocket"
	"licensegate/pkg/contracts"
)

const rateLimiterCleanupInterval = time.Minute

// stateStore is what the state backend has to provide
type stateStore interface {
	storage.NonceStore
	storage.CounterStore
}

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Directory   *storage.CachedDirectory
	Pipeline    *validation.Pipeline
	Challenges  *challenge.Service
	Health      *services.HealthService
	Audit       *audit.Recorder
	Hub         *ws.Hub
	Janitor     *storage.Janitor
	RateLimiter *middleware.RateLimiter

	Router *chi.Mux
	Server *http.Server

	// closers release backends in reverse order of opening
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// NewApplication loads configuration, initializes the global logger and
// wires the application
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(ctx, cfg, logger)
}

// New wires every component from cfg. Nothing listens and no background loop
// runs until Serve or Run is called.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.String("directory_backend", cfg.Storage.Directory),
		slog.String("state_backend", cfg.Storage.State),
		slog.String("nonce_mode", cfg.Validation.NonceMode))

	a := &Application{Config: cfg, Logger: logger}
	if err := a.initialize(ctx); err != nil {
		if a.Audit != nil {
			a.Audit.Close()
		}
		a.releaseBackends(ctx)
		if a.OTelProviders != nil {
			_ = a.OTelProviders.Shutdown(ctx)
		}
		return nil, err
	}
	return a, nil
}

func (a *Application) initialize(ctx context.Context) error {
	cfg := a.Config

	otelProviders, err := infrastructure.InitializeOTel(ctx, cfg.Telemetry, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTelProviders = otelProviders
	if err := infrastructure.RegisterRuntimeMetrics(otelProviders.Meter); err != nil {
		a.Logger.WarnContext(ctx, "Runtime metrics unavailable", slog.String("error", err.Error()))
	}

	a.Health = services.NewHealthService(cfg.Validation.ServerName, contracts.Version, a.Logger)

	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}

	if cfg.Storage.SeedFile != "" {
		if err := a.applySeed(ctx, b.provisioner); err != nil {
			return err
		}
	}

	a.Directory = storage.NewCachedDirectory(b.directory, cfg.Storage.KeyCacheTTL, cfg.Storage.KeyCacheSize)
	a.Janitor = storage.NewJanitor(b.state, cfg.Validation.JanitorInterval, cfg.Validation.NonceTTL, a.Logger)

	if cfg.Audit.Stream {
		metrics, err := ws.NewMetrics(otelProviders.Meter)
		if err != nil {
			return fmt.Errorf("failed to initialize stream metrics: %w", err)
		}
		a.Hub = ws.NewHub(a.Logger, metrics, cfg.Validation.ServerName, ws.ClientConfig{
			PongWait:   cfg.WebSocket.PongWait,
			PingPeriod: cfg.WebSocket.PingPeriod,
			SendBuffer: cfg.WebSocket.SendBuffer,
		})
		a.Health.SetStream(a.Hub)
	}

	sink, err := a.buildAuditSink(b.pool)
	if err != nil {
		return err
	}
	a.Audit = audit.NewBufferedRecorder(sink, a.Logger, cfg.Audit.BufferSize)
	if a.Hub != nil {
		a.Audit.AddObserver(a.Hub)
	}

	guard := nonce.NewGuard(b.state, nonce.Mode(cfg.Validation.NonceMode), cfg.Validation.NonceTTL,
		nonce.WithLogger(a.Logger))
	quota := ratelimit.New(b.state, nil)

	pipelineMetrics, err := validation.NewMetrics(otelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize validation metrics: %w", err)
	}
	a.Pipeline = validation.NewPipeline(validation.Dependencies{
		Directory: a.Directory,
		Nonces:    guard,
		Quota:     quota,
		Audit:     a.Audit,
		Logger:    a.Logger,
	},
		validation.WithRequestTolerance(cfg.Validation.RequestTolerance),
		validation.WithStoreTimeout(cfg.Validation.StoreTimeout),
		validation.WithMetrics(pipelineMetrics),
		validation.WithTracer(otelProviders.Tracer),
	)

	a.Challenges = challenge.NewService(a.Directory, guard, a.Audit, a.Logger,
		challenge.WithTTL(cfg.Validation.ChallengeTolerance),
		challenge.WithStoreTimeout(cfg.Validation.StoreTimeout),
	)

	return a.setupRouter()
}

type backends struct {
	directory   storage.KeyDirectory
	state       stateStore
	provisioner storage.Provisioner
	pool        *pgxpool.Pool
}

// openBackends connects the configured directory and state backends. A
// backend used for both roles is opened once.
func (a *Application) openBackends(ctx context.Context) (*backends, error) {
	s := a.Config.Storage
	var (
		b      backends
		sealer *security.Sealer
		err    error
	)

	if s.MasterKey != "" {
		if sealer, err = security.NewSealer(s.MasterKey); err != nil {
			return nil, fmt.Errorf("failed to initialize secret sealer: %w", err)
		}
	}

	var mem *memory.Store
	if s.Directory == config.BackendMemory || s.State == config.BackendMemory {
		mem = memory.New()
		a.Health.AddBackend(config.BackendMemory, mem)
	}

	var pg *postgres.Store
	if s.Directory == config.BackendPostgres || s.State == config.BackendPostgres || a.Config.HasSink(config.SinkPostgres) {
		pool, err := postgres.Connect(ctx, s.PostgresDSN, s.PostgresMaxConn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.addCloser("postgres", func() error { pool.Close(); return nil })
		pg = postgres.New(pool, sealer)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		b.pool = pool
		a.Health.AddBackend(config.BackendPostgres, pg)
		a.Logger.InfoContext(ctx, "Connected to postgres", slog.Int("max_conns", int(pool.Config().MaxConns)))
	}

	switch s.Directory {
	case config.BackendMemory:
		b.directory, b.provisioner = mem, mem
	case config.BackendPostgres:
		b.directory, b.provisioner = pg, pg
	case config.BackendSheets:
		dir, err := sheets.New(ctx, sheets.Config{
			SpreadsheetID:   s.Sheets.SpreadsheetID,
			SheetName:       s.Sheets.SheetName,
			CredentialsFile: s.Sheets.CredentialsFile,
		}, sealer, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sheets directory: %w", err)
		}
		b.directory = dir
		a.Health.AddBackend(config.BackendSheets, dir)
	}

	switch s.State {
	case config.BackendMemory:
		b.state = mem
	case config.BackendPostgres:
		b.state = pg
	case config.BackendRedis:
		client, err := redisstore.Connect(ctx, s.RedisAddr, s.RedisPassword, s.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.addCloser("redis", client.Close)
		rs := redisstore.New(client)
		b.state = rs
		a.Health.AddBackend(config.BackendRedis, rs)
	}

	return &b, nil
}

func (a *Application) applySeed(ctx context.Context, p storage.Provisioner) error {
	if p == nil {
		return fmt.Errorf("seed file requires a writable key directory, %q is read-only", a.Config.Storage.Directory)
	}
	seed, err := storage.LoadSeed(a.Config.Storage.SeedFile)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, p); err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}
	a.Logger.InfoContext(ctx, "Key directory seeded",
		slog.String("file", a.Config.Storage.SeedFile),
		slog.Int("products", len(seed.Products)),
		slog.Int("users", len(seed.Users)),
		slog.Int("keys", len(seed.Keys)))
	return nil
}

func (a *Application) buildAuditSink(pool *pgxpool.Pool) (audit.Sink, error) {
	var sinks audit.MultiSink
	for _, name := range a.Config.Audit.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, audit.NamedSink{Name: name, Sink: audit.NewLogSink(a.Logger)})
		case config.SinkPostgres:
			if pool == nil {
				return nil, errors.New("postgres audit sink requires a postgres connection")
			}
			sinks = append(sinks, audit.NamedSink{Name: name, Sink: audit.NewPostgresSink(pool)})
		case config.SinkKafka:
			ks := audit.NewKafkaSink(audit.NewKafkaWriter(a.Config.Audit.KafkaBrokers, a.Config.Audit.KafkaTopic))
			a.addCloser("kafka", ks.Close)
			sinks = append(sinks, audit.NamedSink{Name: name, Sink: ks})
		}
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func (a *Application) setupRouter() error {
	cfg := a.Config

	otelMiddleware, err := middleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP metrics: %w", err)
	}

	if cfg.Security.RateLimit.Enabled {
		a.RateLimiter = middleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, a.Logger)
	}

	trusted, err := middleware.ParseTrustedProxies(cfg.Security.TrustedProxies)
	if err != nil {
		return err
	}

	var cors *middleware.CORSConfig
	if cfg.Security.EnableCORS {
		cors = &middleware.CORSConfig{
			AllowedOrigins: cfg.Security.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
			Logger:         a.Logger,
		}
	}

	var stream *handlers.StreamHandler
	if a.Hub != nil {
		stream = handlers.NewStreamHandler(a.Hub, handlers.StreamConfig{
			AllowedOrigins:  cfg.Security.AllowedOrigins,
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		}, a.Logger)
	}

	a.Router = handlers.NewRouter(handlers.RouterConfig{
		Validation:      handlers.NewValidationHandler(a.Pipeline, a.Logger),
		Challenge:       handlers.NewChallengeHandler(a.Challenges, a.Logger),
		Health:          handlers.NewHealthHandler(a.Health, a.Logger),
		Stream:          stream,
		Metrics:         a.OTelProviders.PrometheusHTTP,
		OTel:            otelMiddleware,
		RateLimiter:     a.RateLimiter,
		CORS:            cors,
		TrustedProxies:  trusted,
		ValidateTimeout: cfg.Server.ValidateTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		IncludeStack:    cfg.Logging.Development,
		Logger:          a.Logger,
	})

	a.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
	return nil
}

func (a *Application) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Run listens on the configured port and serves until SIGINT or SIGTERM
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server and the background loops on ln until ctx is
// cancelled or the server fails, then shuts everything down
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.Hub != nil {
		g.Go(func() error {
			a.Hub.Run(gctx)
			return nil
		})
	}
	if a.Config.Validation.JanitorInterval > 0 {
		g.Go(func() error {
			a.Janitor.Run(gctx)
			return nil
		})
	}
	if a.RateLimiter != nil {
		g.Go(func() error {
			a.RateLimiter.Run(gctx, rateLimiterCleanupInterval)
			return nil
		})
	}

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "Application started",
			slog.String("address", ln.Addr().String()),
			slog.String("version", contracts.Version))
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.InfoContext(context.WithoutCancel(gctx), "Shutting down application")
		return a.Stop(context.WithoutCancel(gctx))
	})

	return g.Wait()
}

// Stop drains in-flight requests and releases every resource. Audit entries
// still queued are written before backends close.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	a.Audit.Close()
	a.releaseBackends(ctx)

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) releaseBackends(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing backend",
				slog.String("backend", c.name),
				slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}
