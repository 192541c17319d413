package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/confman/pkg/adapters"
	"github.com/openfroyo/confman/pkg/config"
	"github.com/openfroyo/confman/pkg/engine"
	"github.com/openfroyo/confman/pkg/policy"
	"github.com/openfroyo/confman/pkg/sources"
)

// validationReport counts the outcome of a validate run.
type validationReport struct {
	checked  int
	failed   int
	warnings int
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [directory...]",
		Short: "Validate the configuration file and source directories",
		Long: `Validate the daemon configuration and dry-run configuration directories.

This command checks:
  - the configuration file against its schema
  - that every file under services/ and factories/ resolves to properties
  - admission policies for every resolved configuration

Nothing is written to the store. Without arguments the directory sources of
the configuration file are validated.`,
		Example: `  # Validate the configuration file and its directory sources
  confman validate -c /etc/confman/confman.yaml

  # Validate a checkout before deploying it
  confman validate ./confman.d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info().Str("config", configPath).Msg("Configuration is valid")

			roots := args
			if len(roots) == 0 {
				for _, s := range cfg.Sources {
					if s.Type == config.SourceDirectory {
						roots = append(roots, s.Path)
					}
				}
			}

			report, err := validateRoots(cmd.Context(), cmd.OutOrStdout(), cfg, roots)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d checked, %d failed, %d warnings\n", report.checked, report.failed, report.warnings)
			if report.failed > 0 {
				return fmt.Errorf("%d configurations failed validation", report.failed)
			}
			return nil
		},
	}

	return cmd
}

// validateRoots resolves every file under roots and evaluates the policies
// against it, writing one line per finding to w.
func validateRoots(ctx context.Context, w io.Writer, cfg *config.Config, roots []string) (validationReport, error) {
	var report validationReport

	chain, err := adapters.Default(cfg.Adapters.Options())
	if err != nil {
		return report, fmt.Errorf("failed to build adapter chain: %w", err)
	}

	var pe *policy.Engine
	if cfg.Policy.Enabled {
		pe, err = policy.NewEngine(log.Logger.Level(zerolog.WarnLevel))
		if err != nil {
			return report, err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := pe.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return report, err
			}
		}
	}

	for _, root := range roots {
		dir, err := sources.NewDirectory(root, sources.DirectoryOptions{
			Name:      root,
			Chain:     chain,
			Overwrite: true,
		})
		if err != nil {
			return report, err
		}

		entities, err := dir.Scan(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to scan %s: %w", root, err)
		}

		for _, e := range entities {
			report.checked++
			location, _ := e.Metadata[engine.SourcePathKey].(string)

			if e.Properties == nil {
				report.failed++
				fmt.Fprintf(w, "FAIL  %s  %s: no adapter could resolve the file\n", e.Identity.Key(), location)
				continue
			}
			if pe == nil {
				fmt.Fprintf(w, "ok    %s\n", e.Identity.Key())
				continue
			}

			source := engine.ConfigurationSource{
				Identity: e.Identity,
				Source:   engine.PropertiesSource{Object: e.Properties, Metadata: e.Metadata.Clone()},
			}
			engine.StrategyFor(e.Identity).PrepareSource(&source)
			target := engine.ConfigurationTarget{
				Identity:   e.Identity,
				Properties: engine.MergeMetadata(e.Properties, source.Source.Metadata),
			}

			result, err := pe.Evaluate(ctx, target)
			if err != nil {
				return report, err
			}
			for _, v := range result.Warnings {
				report.warnings++
				fmt.Fprintf(w, "WARN  %s  %s: %s\n", e.Identity.Key(), v.Policy, v.Message)
			}
			if !result.Allowed {
				report.failed++
				for _, v := range result.Violations {
					fmt.Fprintf(w, "FAIL  %s  %s: %s\n", e.Identity.Key(), v.Policy, v.Message)
				}
				continue
			}
			fmt.Fprintf(w, "ok    %s\n", e.Identity.Key())
		}
	}

	return report, nil
}
