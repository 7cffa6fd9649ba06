package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/backend/client"
	"github.com/openfroyo/stagehand/pkg/backend/sim"
	"github.com/openfroyo/stagehand/pkg/config"
	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/policy"
	"github.com/openfroyo/stagehand/pkg/stores"
	"github.com/openfroyo/stagehand/pkg/telemetry"
	"github.com/openfroyo/stagehand/pkg/transports/ssh"
)

const shutdownTimeout = 10 * time.Second

// session is everything a command needs to act on one environment.
type session struct {
	profile *config.Profile
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	store   stores.Store
	policy  *policy.Engine

	backend engine.Backend
	remote  *client.Client
}

// sessionOptions selects the parts of a session a command needs.
type sessionOptions struct {
	backend bool
	policy  bool
}

func openSession(ctx context.Context, opts *globalOptions, so sessionOptions) (*session, error) {
	file, profile, err := opts.profile()
	if err != nil {
		return nil, err
	}

	tel, err := newTelemetry(file.Telemetry, profile, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s := &session{
		profile: profile,
		tel:     tel,
		logger:  tel.Logger.Zerolog().With().Str("env", profile.ID).Logger(),
	}

	if err := s.open(ctx, so); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *session) open(ctx context.Context, so sessionOptions) error {
	if err := s.tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	store, err := openStore(ctx, s.profile.Store)
	if err != nil {
		return err
	}
	s.store = store
	if history, ok := store.(*stores.SQLiteStore); ok {
		s.tel.Events.Subscribe(history.Subscriber(context.WithoutCancel(ctx)),
			telemetry.FilterByLevel(s.tel.Config.Events.MinLevel))
	}

	if so.policy && s.profile.Policy.Enabled {
		if s.policy, err = newPolicyEngine(ctx, s.profile.Policy, s.logger); err != nil {
			return err
		}
	}

	if so.backend {
		if err := s.openBackend(); err != nil {
			return err
		}
	}
	return nil
}

func newTelemetry(base *telemetry.Config, profile *config.Profile, opts *globalOptions) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	cfg.Environment = profile.ID
	cfg.ServiceVersion = opts.version
	if opts.levelSet || base == nil {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.formatSet || base == nil {
		cfg.Logging.Format = opts.logFormat
	}
	return telemetry.NewTelemetry(cfg)
}

// operation starts the instrumented span of one command against the
// session's environment. The returned context carries the session telemetry.
func (s *session) operation(ctx context.Context, name string) *telemetry.InstrumentedContext {
	return telemetry.StartOperation(s.tel.WithContext(ctx), name,
		telemetry.AttrEnvironment.String(s.profile.ID))
}

// openStore opens the ledger store a profile names.
func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Store, error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return stores.NewMemoryStore(), nil
	case config.StoreFile:
		return stores.NewFileStore(nil, cfg.Path), nil
	case config.StoreSQLite:
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		store, err := stores.OpenSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store kind %q", cfg.Kind)
	}
}

func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	var opts []policy.Option
	if cfg.DisableBuiltins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	eng, err := policy.NewEngine(logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Dirs) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Dirs); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return eng, nil
}

// openBackend creates the backend without contacting it. Remote executors
// are started by start.
func (s *session) openBackend() error {
	cfg := s.profile.Backend
	switch cfg.Kind {
	case config.BackendSim:
		catalog := &sim.Catalog{}
		if cfg.Catalog != "" {
			var err error
			if catalog, err = sim.LoadCatalog(cfg.Catalog); err != nil {
				return err
			}
		}
		s.backend = sim.NewFromCatalog(catalog)
		return nil

	case config.BackendLocal:
		return s.newRemote(&client.LocalTransport{Args: cfg.Args}, cfg)

	case config.BackendSSH:
		sshClient, err := ssh.NewSSHClient(cfg.SSH, s.logger)
		if err != nil {
			return fmt.Errorf("failed to configure ssh: %w", err)
		}
		return s.newRemote(ssh.NewExecutorTransport(sshClient, s.logger, cfg.Args...), cfg)

	default:
		return fmt.Errorf("unsupported backend kind %q", cfg.Kind)
	}
}

func (s *session) newRemote(transport client.Transport, cfg config.BackendConfig) error {
	remote, err := client.NewClient(client.Config{
		Transport:  transport,
		RunnerPath: cfg.RunnerPath,
		RemotePath: cfg.RemotePath,
		Logger:     s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor client: %w", err)
	}
	s.backend = remote
	s.remote = remote
	return nil
}

// start brings up a remote executor. The in-process simulator needs nothing.
func (s *session) start(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	if err := s.remote.Start(ctx); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}
	ready := s.remote.Ready()
	s.logger.Info().Str("platform", ready.Platform).Str("arch", ready.Arch).Msg("Executor connected")
	return nil
}

// pipeline builds the deployment pipeline for the session's environment.
func (s *session) pipeline() (*engine.Pipeline, error) {
	cfg := engine.PipelineConfig{
		Backend:         s.backend,
		Store:           s.store,
		Environment:     s.profile.Environment(),
		Retry:           s.profile.Retry,
		Telemetry:       s.tel,
		AdminIdentity:   s.profile.Admin,
		Registry:        s.profile.Registry,
		Capability:      s.profile.Capability,
		RegistryMethods: s.profile.RegistryMethods,
	}
	if s.policy != nil {
		cfg.Policy = s.policy
	}
	if cfg.Backend == nil {
		// Planning never reaches the backend.
		cfg.Backend = sim.New()
	}
	return engine.NewPipeline(cfg)
}

// progress returns the environment's ledger without a pipeline.
func (s *session) progress() *engine.Progress {
	return engine.NewProgress(s.store, s.profile.Environment(), s.logger)
}

// Close stops the executor, drains telemetry into the store and closes it.
func (s *session) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if s.remote != nil {
		if err := s.remote.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close executor: %w", err))
		}
	}
	if s.tel != nil {
		if err := s.tel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
