package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds draining the queue and flushing telemetry on exit.
const shutdownTimeout = 30 * time.Second

func newRunCommand(version string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the synchronization daemon",
		Long: `Start polling every configured source and apply detected changes to the store.

Each source is scanned on its own interval; directory sources with watch
enabled are also rescanned shortly after a file system event. Added and
updated files are resolved and admitted before they are written, removed
files delete their configuration.`,
		Example: `  # Run with the default configuration (./confman.d into ./confman.db)
  confman run

  # Run with a configuration file
  confman run -c /etc/confman/confman.yaml

  # Scan every source once, apply the changes and exit
  confman run --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, version, modeDaemon)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				a.close(shutdownCtx)
			}()

			if once {
				return runOnce(ctx, a)
			}

			if err := a.start(ctx); err != nil {
				return err
			}

			log.Info().
				Int("sources", len(a.scanners)).
				Str("store", cfg.Store.Driver).
				Bool("policy", a.policy != nil).
				Msg("confman running")

			<-ctx.Done()
			log.Info().Msg("Stopping confman")
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "scan every source once, apply the changes and exit")

	return cmd
}

// runOnce performs a single tick of every scanner and waits for the queue to drain.
func runOnce(ctx context.Context, a *app) error {
	a.queue.SetStore(a.store)

	var failed int
	for _, s := range a.scanners {
		changes, err := s.ScanOnce(ctx)
		if err != nil {
			failed++
			continue
		}
		log.Info().
			Str("source", changes.Source).
			Int("added", len(changes.Added)).
			Int("updated", len(changes.Updated)).
			Int("deleted", len(changes.Deleted)).
			Msg("Source scanned")
	}

	if err := a.queue.Wait(ctx); err != nil {
		return fmt.Errorf("failed to apply changes: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed to scan", failed, len(a.scanners))
	}
	return nil
}
