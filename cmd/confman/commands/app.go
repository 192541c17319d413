package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openfroyo/confman/pkg/adapters"
	"github.com/openfroyo/confman/pkg/config"
	"github.com/openfroyo/confman/pkg/engine"
	"github.com/openfroyo/confman/pkg/policy"
	"github.com/openfroyo/confman/pkg/sources"
	"github.com/openfroyo/confman/pkg/stores"
	"github.com/openfroyo/confman/pkg/telemetry"
	"github.com/openfroyo/confman/pkg/transports/ssh"
)

// app holds the components of one confman process.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	store   stores.Store
	chain   *engine.AdapterChain
	queue   *engine.CommandQueue
	manager *engine.Manager
	policy  *policy.Engine

	registry *sources.Registry
	scanners []*engine.Scanner
	watchers []*sources.Watcher
	remotes  []*sources.RemoteFS

	metricsServer *http.Server
}

// appMode selects how much of the daemon is built.
type appMode int

const (
	// modeStore opens the store only.
	modeStore appMode = iota

	// modeManager adds adapters, policies, the queue and the manager.
	modeManager

	// modeDaemon adds sources, scanners, watchers and the metrics server.
	modeDaemon
)

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func newTelemetry(cfg *config.Config, version string, mode appMode) (*telemetry.Telemetry, error) {
	tc := cfg.Telemetry.Build(version)
	if verbose {
		tc.Logging.Level = "debug"
	}
	if mode != modeDaemon {
		// One-shot commands check events synchronously and export nothing.
		tc.Metrics.Enabled = false
		tc.Tracing.Enabled = false
		tc.Events.Enabled = true
		tc.Events.EnableAsync = false
	}
	return telemetry.NewTelemetry(tc)
}

// newApp builds the components mode needs. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, version string, mode appMode) (_ *app, err error) {
	tel, err := newTelemetry(cfg, version, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("confman"),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.store, err = stores.Open(ctx, cfg.Store.Stores())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if mode == modeStore {
		return a, nil
	}

	if err := a.buildManager(ctx); err != nil {
		return nil, err
	}
	if mode == modeManager {
		return a, nil
	}

	if err := a.buildSources(); err != nil {
		return nil, err
	}

	a.metricsServer, err = tel.StartMetricsServer()
	if err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return a, nil
}

func (a *app) buildManager(ctx context.Context) error {
	chain, err := adapters.Default(a.cfg.Adapters.Options())
	if err != nil {
		return fmt.Errorf("failed to build adapter chain: %w", err)
	}
	a.chain = chain

	a.queue = engine.NewCommandQueue(engine.QueueOptions{
		Logger:       a.tel.Logger,
		Metrics:      a.tel.Metrics,
		Events:       a.tel.Events,
		ApplyTimeout: time.Duration(a.cfg.Queue.ApplyTimeout),
	})

	opts := engine.ManagerOptions{
		Logger:  a.tel.Logger,
		Metrics: a.tel.Metrics,
		Events:  a.tel.Events,
	}
	if a.cfg.Policy.Enabled {
		a.policy, err = policy.NewEngine(a.tel.Logger.Zerolog(),
			policy.WithMetrics(a.tel.Metrics),
			policy.WithEvents(a.tel.Events),
		)
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(a.cfg.Policy.Paths) > 0 {
			if err := a.policy.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
				return err
			}
		}
		opts.Admission = a.policy
	}

	a.manager, err = engine.NewManager(a.chain, a.queue, opts)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	return nil
}

func (a *app) buildSources() error {
	dispatcher := engine.NewDispatcher(a.manager, a.tel.Logger)

	for _, sc := range a.cfg.Sources {
		source, watcher, err := a.newSource(sc)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Name, err)
		}

		scanner, err := engine.NewScanner(source, time.Duration(sc.Interval), engine.ScannerOptions{
			Logger:      a.tel.Logger,
			Metrics:     a.tel.Metrics,
			Events:      a.tel.Events,
			ScanTimeout: time.Duration(a.cfg.Queue.ScanTimeout),
		})
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Name, err)
		}
		scanner.AddListener(dispatcher)
		a.scanners = append(a.scanners, scanner)

		if reg, ok := source.(*sources.Registry); ok {
			reg.OnChange(scanner.Trigger)
			a.registry = reg
		}
		if watcher {
			a.watchers = append(a.watchers, sources.NewWatcher(sc.Path, scanner.Trigger, sources.DefaultDebounce, a.tel.Logger))
		}
	}
	return nil
}

// newSource creates the source described by sc and reports whether it should be watched.
func (a *app) newSource(sc config.SourceConfig) (engine.Source, bool, error) {
	switch sc.Type {
	case config.SourceRegistry:
		reg, err := sources.NewRegistry(sc.Name, a.chain)
		return reg, false, err

	case config.SourceSFTP:
		client, err := ssh.NewSSHClient(sc.SSH.Transport())
		if err != nil {
			return nil, false, err
		}
		remote := sources.NewRemoteFS(client)
		a.remotes = append(a.remotes, remote)
		dir, err := sources.NewDirectory(sc.Path, sources.DirectoryOptions{
			Name:      sc.Name,
			FS:        remote,
			Chain:     a.chain,
			Store:     a.store,
			Overwrite: sc.Overwrite,
			Logger:    a.tel.Logger,
		})
		return dir, false, err

	default:
		dir, err := sources.NewDirectory(sc.Path, sources.DirectoryOptions{
			Name:      sc.Name,
			Chain:     a.chain,
			Store:     a.store,
			Overwrite: sc.Overwrite,
			Logger:    a.tel.Logger,
		})
		return dir, sc.Watch, err
	}
}

// start connects the queue to the store, then starts scanners and watchers.
func (a *app) start(ctx context.Context) error {
	a.queue.SetStore(a.store)

	if a.policy != nil && a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		if err := a.policy.Watch(ctx, a.cfg.Policy.Paths); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	for _, s := range a.scanners {
		s.Start()
	}
	for _, w := range a.watchers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch source: %w", err)
		}
	}
	return nil
}

// close stops everything in reverse start order. Pending commands are given
// until ctx is done to drain.
func (a *app) close(ctx context.Context) {
	for _, w := range a.watchers {
		if err := w.Stop(); err != nil {
			a.logger.WithError(err).Warn("failed to stop watcher")
		}
	}
	for _, s := range a.scanners {
		s.Stop()
	}
	if a.policy != nil {
		_ = a.policy.StopWatching()
	}

	if a.queue != nil {
		if err := a.queue.Wait(ctx); err != nil {
			a.logger.WithError(err).Warnf("%d commands still pending at shutdown", a.queue.Pending())
		}
		a.queue.SetStore(nil)
	}

	for _, r := range a.remotes {
		_ = r.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close store")
		}
	}

	if err := a.tel.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.WithError(err).Warn("failed to shut down telemetry")
	}
	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
}
