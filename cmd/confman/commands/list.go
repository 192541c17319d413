package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/confman/pkg/engine"
	"github.com/openfroyo/confman/pkg/stores"
)

func newListCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored configurations",
		Example: `  # List configurations in the default store
  confman list

  # List as JSON
  confman list --json -c /etc/confman/confman.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, version, modeStore)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			records, err := a.store.ListRecords(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list configurations: %w", err)
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return writeRecords(cmd.OutOrStdout(), records)
		},
	}

	return cmd
}

func newGetCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <pid | factoryPid~instance>",
		Short: "Show one stored configuration",
		Example: `  # Show a singleton configuration
  confman get org.example.http

  # Show a factory instance
  confman get org.example.pool~main`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, version, modeStore)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			records, err := a.store.ListRecords(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list configurations: %w", err)
			}

			record := findRecord(records, args[0])
			if record == nil {
				return engine.NewPermanentError(fmt.Sprintf("configuration %s not found", args[0]), nil).
					WithCode(engine.ErrCodeNotFound).
					WithResource(args[0])
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), record)
			}
			return writeRecord(cmd.OutOrStdout(), record)
		},
	}

	return cmd
}

// findRecord matches key against the identity key or the stored pid.
func findRecord(records []*stores.Record, key string) *stores.Record {
	for _, r := range records {
		if r.Identity().Key() == key || r.PID == key {
			return r
		}
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRecords(w io.Writer, records []*stores.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVERSION\tPROPERTIES\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n",
			r.Identity().Key(), r.Version, len(r.Properties), r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeRecord(w io.Writer, r *stores.Record) error {
	id := r.Identity()
	fmt.Fprintf(w, "pid:      %s\n", r.PID)
	if id.IsFactory() {
		fmt.Fprintf(w, "factory:  %s\n", id.FactoryPID)
		fmt.Fprintf(w, "instance: %s\n", id.FactoryInstance)
	}
	if r.Location != "" {
		fmt.Fprintf(w, "location: %s\n", r.Location)
	}
	fmt.Fprintf(w, "version:  %d\n", r.Version)
	fmt.Fprintf(w, "updated:  %s\n", r.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintln(w, "properties:")

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range r.Properties.Keys() {
		fmt.Fprintf(tw, "  %s\t%v\n", k, r.Properties[k])
	}
	return tw.Flush()
}
