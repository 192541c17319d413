package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/confman/pkg/engine"
	"github.com/openfroyo/confman/pkg/telemetry"
)

// cliSource names updates made from the command line in source metadata.
const cliSource = "cli"

// identityFlags are shared by update and delete.
type identityFlags struct {
	factory  string
	instance string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.factory, "factory", "", "factory pid")
	cmd.Flags().StringVar(&f.instance, "instance", "", "factory instance name")
}

// identity resolves the target from the positional pid or the factory flags.
func (f *identityFlags) identity(args []string, location string) (engine.Identity, error) {
	switch {
	case len(args) == 1 && f.factory == "" && f.instance == "":
		return engine.NewPIDIdentity(args[0], location), nil
	case len(args) == 0 && f.factory != "" && f.instance != "":
		return engine.NewFactoryIdentity(f.factory, f.instance, location), nil
	default:
		return engine.Identity{}, errors.New("specify either a pid or both --factory and --instance")
	}
}

// failureCollector records update.dropped and command.failed events for one identity.
type failureCollector struct {
	mu       sync.Mutex
	failures []string
}

func collectFailures(events *telemetry.EventPublisher, key string) *failureCollector {
	c := &failureCollector{}
	events.Subscribe(func(e telemetry.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.failures = append(c.failures, e.Message)
	}, func(e telemetry.Event) bool {
		if e.Type != telemetry.EventTypeUpdateDropped && e.Type != telemetry.EventTypeCommandFailed {
			return false
		}
		return e.PID == key
	})
	return c
}

func (c *failureCollector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) == 0 {
		return nil
	}
	return errors.New(strings.Join(c.failures, "; "))
}

// apply runs submit against a manager-mode app and waits for the command to be applied.
func apply(ctx context.Context, version string, id engine.Identity, submit func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, version, modeManager)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	failures := collectFailures(a.tel.Events, id.Key())
	a.queue.SetStore(a.store)

	if err := submit(a); err != nil {
		return err
	}
	if err := a.queue.Wait(ctx); err != nil {
		return fmt.Errorf("failed to apply %s: %w", id.Key(), err)
	}
	if err := failures.err(); err != nil {
		return fmt.Errorf("%s not applied: %w", id.Key(), err)
	}
	return nil
}

func newUpdateCommand(version string) *cobra.Command {
	var (
		ids    identityFlags
		file   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "update [pid] --file <path>",
		Short: "Write a configuration from a file",
		Long: `Resolve a file through the adapter chain and write it to the store.

The update goes through the same admission policies and command queue as
changes detected by the daemon. The format is taken from the file extension
unless --format is given.`,
		Example: `  # Update a singleton configuration
  confman update org.example.http --file http.yaml

  # Update a factory instance from a Starlark script
  confman update --factory org.example.pool --instance main --file pool.star`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(file)
			if err != nil {
				return err
			}
			id, err := ids.identity(args, abs)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(abs)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}
			if format == "" {
				format = strings.ToLower(strings.TrimPrefix(filepath.Ext(abs), "."))
			}
			metadata := engine.Dictionary{
				engine.SourceKey:       cliSource,
				engine.SourcePathKey:   abs,
				engine.SourceFormatKey: format,
			}

			err = apply(cmd.Context(), version, id, func(a *app) error {
				if id.IsFactory() {
					return a.manager.UpdateFactory(cmd.Context(), id.FactoryPID, id.FactoryInstance, id.Location, data, metadata)
				}
				return a.manager.Update(cmd.Context(), id.PID, id.Location, data, metadata)
			})
			if err != nil {
				return err
			}

			log.Info().Str("pid", id.Key()).Str("format", format).Msg("Configuration updated")
			return nil
		},
	}

	ids.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "configuration file")
	cmd.Flags().StringVar(&format, "format", "", "format hint (yaml, json, cue, star, wasm)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newDeleteCommand(version string) *cobra.Command {
	var ids identityFlags

	cmd := &cobra.Command{
		Use:   "delete [pid]",
		Short: "Delete a configuration from the store",
		Example: `  # Delete a singleton configuration
  confman delete org.example.http

  # Delete a factory instance
  confman delete --factory org.example.pool --instance main`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.identity(args, "")
			if err != nil {
				return err
			}

			err = apply(cmd.Context(), version, id, func(a *app) error {
				if id.IsFactory() {
					return a.manager.DeleteFactory(cmd.Context(), id.FactoryPID, id.FactoryInstance)
				}
				return a.manager.Delete(cmd.Context(), id.PID)
			})
			if err != nil {
				return err
			}

			log.Info().Str("pid", id.Key()).Msg("Configuration deleted")
			return nil
		},
	}

	ids.register(cmd)

	return cmd
}
