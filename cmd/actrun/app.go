package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/actrun/internal/config"
	"github.com/rendis/actrun/internal/engine"
	"github.com/rendis/actrun/internal/executors"
	"github.com/rendis/actrun/internal/expressions"
	"github.com/rendis/actrun/internal/logging"
	"github.com/rendis/actrun/internal/scheduler"
	"github.com/rendis/actrun/internal/secrets"
	"github.com/rendis/actrun/internal/store"
	"github.com/rendis/actrun/internal/streaming"
	"github.com/rendis/actrun/internal/validation"
	"github.com/rendis/actrun/internal/webhook"
)

// secretEnvPrefix names the environment variables read as secrets when no
// vault key is configured, e.g. ACTRUN_SECRET_GITHUB_TOKEN.
const secretEnvPrefix = "ACTRUN_SECRET_"

// app holds every long-lived component of a running actrun process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	redis     *redis.Client
	store     store.Store
	hub       streaming.EventHub
	vault     secrets.Vault
	validator *validation.FlowValidator
	service   *engine.Service
	text      *executors.TextGenerationExecutor
	webhooks  *webhook.Dispatcher
	scheduler *scheduler.Scheduler

	language executors.LanguageModel
	image    executors.ImageModel
}

// appOption customises newApp.
type appOption func(*app)

// withLanguageModel sets the model behind textGeneration steps. Without it
// every textGeneration step fails with executors.ErrNoModel.
func withLanguageModel(m executors.LanguageModel) appOption {
	return func(a *app) { a.language = m }
}

// withImageModel sets the model behind imageGeneration steps. Without it
// every imageGeneration step fails with executors.ErrNoModel.
func withImageModel(m executors.ImageModel) appOption {
	return func(a *app) { a.image = m }
}

// newApp opens the store and wires the engine. The caller must call close.
// Model providers are wired through opts.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...appOption) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initEngine(); err != nil {
		_ = a.store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverRedis:
		rc := a.cfg.Store.Redis
		a.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return fmt.Errorf("connect redis %s: %w", rc.Addr, err)
		}
		a.store = store.NewRedisStore(a.redis, rc.Prefix)
		a.hub = streaming.NewRedisHub(a.redis, rc.Prefix+":events", a.logger)
	default:
		path := a.cfg.Store.DBPath
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		st, err := store.NewLibSQLStore(libsqlDSN(path))
		if err != nil {
			return err
		}
		a.store = st
		a.hub = streaming.NewMemoryHub()
	}

	if err := a.store.Migrate(ctx); err != nil {
		_ = a.store.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	a.logger.Debug("store ready", slog.String("driver", a.cfg.Store.Driver))
	return nil
}

func (a *app) initEngine() error {
	vault, err := a.openVault()
	if err != nil {
		return err
	}
	a.vault = vault

	logger := a.logger
	fsm := engine.NewGenerationFSM(a.store, a.hub, logger)
	waiter := engine.NewWaiter(a.store, a.hub, engine.WaiterConfig{
		PollInterval: a.cfg.Engine.PollInterval,
		Timeout:      a.cfg.Engine.WaitTimeout,
	}, logger)

	if a.language == nil {
		logger.Warn("no language model configured, textGeneration steps will fail")
	}
	ex, text := executors.Standard(
		executors.Env{Store: a.store, Transitioner: fsm, Logger: logger},
		executors.Collaborators{
			Language: a.language,
			Image:    a.image,
			GitHub:   executors.NewHTTPGitHubClient(a.cfg.GitHub.BaseURL, nil),
			Secrets:  vault,
		},
	)
	a.text = text
	dispatcher, err := executors.NewDispatcher(ex)
	if err != nil {
		return err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}
	a.validator, err = validation.NewFlowValidator()
	if err != nil {
		return fmt.Errorf("flow validator: %w", err)
	}

	runner := engine.NewRunner(a.store, fsm, dispatcher, waiter, cel, engine.RunnerConfig{
		SequenceConcurrency: a.cfg.Engine.SequenceConcurrency,
		FlushPolicy:         a.cfg.Engine.FlushPolicy,
	}, logger)
	listener := engine.Listeners{
		engine.HubListener{Hub: a.hub},
		engine.EventLogListener{Log: a.store},
	}
	a.service = engine.NewService(a.store, fsm, runner, a.validator, listener,
		engine.ServiceConfig{PoolSize: a.cfg.Engine.PoolSize}, logger)

	a.webhooks = webhook.NewDispatcher(a.store, a.service, nil, webhook.Config{
		Secret:      []byte(a.cfg.Webhook.Secret),
		Concurrency: a.cfg.Webhook.Concurrency,
	}, logger)
	if a.cfg.Scheduler.Enabled {
		a.scheduler = scheduler.NewScheduler(a.store, a.service, a.cfg.Scheduler.Tick, logger)
	}
	return nil
}

// openVault resolves from the encrypted vault when a key is configured, then
// from ACTRUN_SECRET_* environment variables.
func (a *app) openVault() (secrets.Vault, error) {
	env := secrets.NewEnvVault(secretEnvPrefix)
	if !a.cfg.VaultEnabled() {
		return env, nil
	}

	vc := secrets.VaultConfig{Passphrase: a.cfg.Vault.Passphrase, Salt: []byte(a.cfg.Vault.Salt)}
	if a.cfg.Vault.MasterKey != "" {
		key, err := secrets.ParseMasterKey(a.cfg.Vault.MasterKey)
		if err != nil {
			return nil, err
		}
		vc = secrets.VaultConfig{MasterKey: key}
	}
	aes, err := secrets.NewAESVault(a.store, vc)
	if err != nil {
		return nil, err
	}
	return secrets.Chain{aes, env}, nil
}

// startBackground starts the scheduler, recovering triggers missed while
// the process was down.
func (a *app) startBackground(ctx context.Context) error {
	if a.scheduler == nil {
		return nil
	}
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Warn("missed trigger recovery failed", logging.Err(err))
	}
	return a.scheduler.Start(ctx)
}

// close stops background work, drains running acts and closes the store.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop())
	}
	if err := a.service.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	a.text.Wait()
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// libsqlDSN turns a plain path into the file URI go-libsql expects.
func libsqlDSN(path string) string {
	if strings.Contains(path, ":") && !filepath.IsAbs(path) {
		return path
	}
	return "file:" + path
}
