// Package app wires the relay together: store, lexicon, auth, pairing,
// scheduler, hub, and the HTTP surface. It owns startup order and
// graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandemdental/dentascribe/internal/api"
	"github.com/tandemdental/dentascribe/internal/auth"
	"github.com/tandemdental/dentascribe/internal/config"
	"github.com/tandemdental/dentascribe/internal/health"
	"github.com/tandemdental/dentascribe/internal/hub"
	"github.com/tandemdental/dentascribe/internal/lexicon"
	"github.com/tandemdental/dentascribe/internal/observe"
	"github.com/tandemdental/dentascribe/internal/pairing"
	"github.com/tandemdental/dentascribe/internal/resilience"
	"github.com/tandemdental/dentascribe/internal/scheduler"
	"github.com/tandemdental/dentascribe/internal/store/memory"
	"github.com/tandemdental/dentascribe/internal/store/postgres"
	"github.com/tandemdental/dentascribe/pkg/provider/asr"
)

// pairGCInterval is how often expired pair codes are reaped.
const pairGCInterval = 30 * time.Second

// Store is what the application needs from persistence: per-admin
// documents plus the user directory. Satisfied by postgres.Store and
// memory.Store.
type Store interface {
	lexicon.DocumentStore
	auth.UserDirectory
}

// Option overrides a dependency, mainly for tests.
type Option func(*options)

type options struct {
	store       Store
	provider    asr.Provider
	noTelemetry bool
}

// WithStore substitutes the document store and user directory.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithProvider substitutes the ASR provider, bypassing the registry.
func WithProvider(p asr.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithoutTelemetry skips installing the global OTel providers. Tests use
// this so parallel packages do not fight over process-global state.
func WithoutTelemetry() Option {
	return func(o *options) { o.noTelemetry = true }
}

// App is the assembled relay.
type App struct {
	cfg *config.Config

	provider asr.Provider
	pairs    *pairing.Registry
	sched    *scheduler.Scheduler
	hub      *hub.Hub
	lex      *lexicon.Service

	srv *http.Server
	ln  net.Listener

	pool         *pgxpool.Pool
	otelShutdown func(context.Context) error

	stopOnce sync.Once
	stopErr  error
}

// New builds the application from cfg. The HTTP listener is bound here
// so Addr is valid immediately; serving starts in Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{cfg: cfg}

	if err := a.initTelemetry(ctx, o); err != nil {
		return nil, err
	}
	store, err := a.initStore(ctx, o)
	if err != nil {
		return nil, err
	}
	if err := a.initProvider(o); err != nil {
		return nil, err
	}

	a.lex = lexicon.NewService(store)

	tokens, err := a.newTokenService()
	if err != nil {
		return nil, err
	}

	a.initPipeline(tokens)

	if err := a.initHTTP(tokens, store); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) initTelemetry(ctx context.Context, o *options) error {
	if o.noTelemetry {
		return nil
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "dentascribe"})
	if err != nil {
		return fmt.Errorf("app: init telemetry: %w", err)
	}
	a.otelShutdown = shutdown
	return nil
}

func (a *App) initStore(ctx context.Context, o *options) (Store, error) {
	if o.store != nil {
		return o.store, nil
	}
	if dsn := a.cfg.Database.PostgresDSN; dsn != "" {
		st, pool, err := postgres.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("app: connect postgres: %w", err)
		}
		a.pool = pool
		return st, nil
	}
	slog.Warn("no postgres dsn configured, using in-memory store; lexicon edits and users will not survive a restart")
	return memory.NewStore(), nil
}

func (a *App) initProvider(o *options) error {
	if o.provider != nil {
		a.provider = o.provider
		return nil
	}

	reg := config.DefaultRegistry()
	primary, err := reg.CreateASR(a.cfg.Providers.ASR)
	if err != nil {
		return fmt.Errorf("app: create asr provider %q: %w", a.cfg.Providers.ASR.Name, err)
	}
	if len(a.cfg.Providers.Fallbacks) == 0 {
		a.provider = primary
		slog.Info("asr provider created", "name", primary.Info().Name, "model", primary.Info().Model)
		return nil
	}

	fallbacks := make([]asr.Provider, 0, len(a.cfg.Providers.Fallbacks))
	for _, entry := range a.cfg.Providers.Fallbacks {
		p, err := reg.CreateASR(entry)
		if err != nil {
			return fmt.Errorf("app: create fallback provider %q: %w", entry.Name, err)
		}
		fallbacks = append(fallbacks, p)
	}
	chain := resilience.NewASRFallback(resilience.FallbackConfig{}, primary, fallbacks...)
	a.provider = chain
	slog.Info("asr provider chain created", "chain", chain.Info().Name)
	return nil
}

func (a *App) newTokenService() (*auth.TokenService, error) {
	var opts []auth.Option
	if ttl := a.cfg.Auth.WSTokenTTL; ttl > 0 {
		opts = append(opts, auth.WithWSTokenTTL(ttl))
	}
	if ttl := a.cfg.Auth.SessionTTL; ttl > 0 {
		opts = append(opts, auth.WithSessionTTL(ttl))
	}
	tokens, err := auth.NewTokenService([]byte(a.cfg.Auth.JWTSecret), opts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return tokens, nil
}

// initPipeline creates the pairing registry, scheduler, and hub. The
// three reference each other, so the hub pointer is captured by closure
// and assigned last; it is set before any goroutine runs.
func (a *App) initPipeline(tokens *auth.TokenService) {
	var h *hub.Hub

	var pairOpts []pairing.Option
	if ttl := a.cfg.Pairing.CodeTTL; ttl > 0 {
		pairOpts = append(pairOpts, pairing.WithTTL(ttl))
	}
	pairOpts = append(pairOpts, pairing.WithDesktopAlive(func(sessionID string) bool {
		return h != nil && h.SessionAlive(sessionID)
	}))
	a.pairs = pairing.NewRegistry(pairOpts...)

	sc := a.cfg.Scheduler
	a.sched = scheduler.New(scheduler.Config{
		QueueSize:        sc.QueueSize,
		BatchWait:        sc.BatchWait,
		BatchSize:        sc.BatchSize,
		ParallelWorkers:  sc.ParallelWorkers,
		CallTimeout:      sc.CallTimeout,
		FailureThreshold: sc.FailureThreshold,
		RecoveryTimeout:  sc.RecoveryTimeout,
		Sequential:       !config.ResolveSPSC(sc.UseSPSC),
	}, a.provider, a.lex, func(r scheduler.Result) {
		if h != nil {
			h.PublishResult(r)
		}
	})

	h = hub.New(tokens, a.pairs, a.sched, a.lex)
	a.hub = h
}

func (a *App) initHTTP(tokens *auth.TokenService, store Store) error {
	checkers := []health.Checker{
		health.Breaker(func() string { return a.sched.Stats().BreakerState }),
	}
	if a.pool != nil {
		checkers = append(checkers, health.Database(a.pool.Ping))
	}

	rest := api.New(api.Config{
		Tokens:   tokens,
		Authn:    auth.NewAuthenticator(store),
		Pairs:    a.pairs,
		Hub:      a.hub,
		Sched:    a.sched,
		Lexicon:  a.lex,
		Provider: a.provider,
		Health:   health.New(checkers...),
	})

	mux := http.NewServeMux()
	// The WebSocket endpoint stays outside the middleware: the metrics
	// response wrapper does not implement http.Hijacker.
	mux.Handle("GET /ws", a.hub)
	mux.Handle("/", observe.Middleware(observe.DefaultMetrics())(rest.Handler()))

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.ln = ln
	a.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Addr returns the bound listen address.
func (a *App) Addr() string {
	return a.ln.Addr().String()
}

// Run serves HTTP and drives the background loops until ctx is
// cancelled or the server fails. It returns ctx.Err on normal shutdown.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.sched.Run(runCtx)
	go a.hub.Run(runCtx)
	go a.pairs.Run(runCtx, pairGCInterval)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ServeTLS(a.ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.Serve(a.ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("listening", "addr", a.Addr(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops accepting connections, waits for the scheduler to
// drain, and releases provider, database, and telemetry resources.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error

		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		select {
		case <-a.sched.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("scheduler drain: %w", ctx.Err()))
		}

		if err := a.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("provider close: %w", err))
		}
		if a.pool != nil {
			a.pool.Close()
		}
		if a.otelShutdown != nil {
			if err := a.otelShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}
