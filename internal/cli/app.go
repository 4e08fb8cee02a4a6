package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/internal/logger"
	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/coretools"
	"github.com/harun/turnloop/pkg/provider"
	"github.com/harun/turnloop/pkg/provider/factory"
	"github.com/harun/turnloop/pkg/session"
	"github.com/harun/turnloop/pkg/tools"
)

// app holds the components a command works with.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    session.Store
	registry *tools.Registry
	manager  *agent.Manager
	cleanup  *session.Cleanup

	metrics *http.Server
	tracing bool
}

type appOptions struct {
	// provider builds the completion provider chain from the config.
	provider bool
	// background starts the metrics endpoint and the cleanup schedule.
	background bool
}

// newProvider builds the completion provider from the configured profiles.
// Tests replace it with a scripted provider.
var newProvider = func(ctx context.Context, cfg *config.Config, log zerolog.Logger) (agent.CompletionProvider, error) {
	return factory.FromConfig(ctx, cfg.Providers, factory.Options{Logger: &log})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, opts)
}

func buildApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	observability.EnsureRegistered()
	if cfg.Tracing.Enabled {
		a.initTracing(ctx)
	}

	a.store, err = openStore(cfg.Sessions, log.Component("session"))
	if err != nil {
		return nil, err
	}
	log.Debug().Str("backend", cfg.Sessions.Backend).Msg("Session store initialized")

	a.registry = tools.NewRegistry()
	if err := coretools.Register(a.registry, coretools.Options{
		WorkspaceRoot: cfg.WorkspacePath,
		ExecTimeout:   seconds(cfg.Run.ExecTimeoutSeconds),
	}); err != nil {
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}

	agentLog := log.GetZerolog()
	managerCfg := agent.ManagerConfig{
		Registry:          a.registry,
		Store:             a.store,
		Logger:            &agentLog,
		SerializeSessions: cfg.Run.SerializeSessions,
		ToolTimeout:       seconds(cfg.Run.ToolTimeoutSeconds),
		DefaultMaxTurns:   cfg.Run.MaxTurns,
	}
	if opts.provider {
		p, err := newProvider(ctx, cfg, log.Component("provider"))
		if err != nil {
			if errors.Is(err, provider.ErrNoProfiles) {
				return nil, fmt.Errorf("no providers configured, add one with 'turnloop configure'")
			}
			return nil, fmt.Errorf("failed to create provider: %w", err)
		}
		managerCfg.Provider = p
	}

	a.manager, err = agent.NewManager(managerCfg)
	if err != nil {
		return nil, err
	}
	for _, ac := range cfg.Agents {
		if _, err := a.manager.GetAgent(agentConfig(ac, cfg.WorkspacePath)); err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
		}
	}

	if opts.background {
		if err := a.startBackground(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) initTracing(ctx context.Context) {
	tc := a.cfg.Tracing
	var opts []sdktrace.TracerProviderOption
	if tc.Endpoint != "" {
		exporter, err := tracing.NewExporter(ctx, tracing.ExporterConfig{
			Endpoint: tc.Endpoint,
			Protocol: tc.Protocol,
			Insecure: tc.Insecure,
			Headers:  tc.Headers,
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("Failed to create span exporter, spans stay local")
		} else {
			opts = append(opts, tracing.WithExporter(exporter))
		}
	}

	if err := tracing.InitOpenTelemetry(tc.ServiceName, opts...); err != nil {
		a.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		return
	}
	a.tracing = true
	a.log.Debug().Str("endpoint", tc.Endpoint).Msg("Tracing initialized")
}

func openStore(cfg config.SessionsConfig, log zerolog.Logger) (session.Store, error) {
	var (
		store session.Store
		err   error
	)
	switch cfg.Backend {
	case "memory":
		store = session.NewMemoryStore()
	case "sqlite":
		store, err = session.NewSQLiteStore(session.SQLiteStoreConfig{
			Path:   filepath.Join(cfg.Dir, "sessions.db"),
			Logger: &log,
		})
	case "file", "":
		store, err = session.NewFileStore(session.FileStoreConfig{Dir: cfg.Dir, Logger: &log})
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	if cfg.CacheSize > 0 {
		return session.NewCachedStore(store, cfg.CacheSize)
	}
	return store, nil
}

func agentConfig(ac config.AgentConfig, workspace string) agent.Config {
	root := ac.Workspace
	if root == "" {
		root = workspace
	}
	return agent.Config{
		ID:            ac.ID,
		Name:          ac.Name,
		SystemPrompt:  ac.SystemPrompt,
		Model:         ac.Model,
		Tools:         ac.Tools,
		MaxTokens:     ac.MaxTokens,
		Temperature:   ac.Temperature,
		WorkspaceRoot: root,
		Settings:      ac.Settings,
	}
}

func (a *app) newCleanup() (*session.Cleanup, error) {
	cleanupLog := a.log.Component("session_cleanup")
	return session.NewCleanup(a.store, session.CleanupConfig{
		MaxAge:   a.cfg.Sessions.Cleanup.MaxAgeDuration(),
		Schedule: a.cfg.Sessions.Cleanup.Schedule,
		Logger:   &cleanupLog,
	})
}

func (a *app) startBackground() error {
	if a.cfg.Sessions.Cleanup.Enabled {
		c, err := a.newCleanup()
		if err != nil {
			return err
		}
		if err := c.Start(); err != nil {
			return err
		}
		a.cleanup = c
	}

	if a.cfg.Metrics.Enabled {
		ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		a.log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")
	}
	return nil
}

// Close stops background work and releases the store and log sinks.
func (a *app) Close() error {
	var errs []error
	if a.cleanup != nil {
		errs = append(errs, a.cleanup.Stop())
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.metrics.Shutdown(ctx))
		cancel()
	}
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}
	if closer, ok := a.store.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if a.tracing {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
		cancel()
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
