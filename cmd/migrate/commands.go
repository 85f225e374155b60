package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ksred/plugin-migrate/internal/migrator"
)

func newUpCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "up [plugin]",
		Short: "Apply plugin schemas",
		Long: `Apply schemas to the database. Without a plugin, every schema in the
schema directory is migrated and failures are reported per plugin. With a
plugin, only that plugin is migrated, from --file when given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			if len(args) == 0 {
				batch, err := engine.Service.ApplyAll(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(batch.Outcomes))
				for _, o := range batch.Outcomes {
					rows = append(rows, outcomeRow(o))
				}
				if err := printOutput(os.Stdout, batch, []string{"plugin", "status", "version", "operations", "error"}, rows); err != nil {
					return err
				}
				if failed := batch.Failed(); len(failed) > 0 {
					return fmt.Errorf("%d of %d plugins failed to migrate", len(failed), len(batch.Outcomes))
				}
				return nil
			}

			desired, err := desiredSchema(args[0], file)
			if err != nil {
				return err
			}
			result, err := engine.Service.Apply(ctx, args[0], desired)
			if err != nil {
				return err
			}
			return printOutput(os.Stdout, result, []string{"plugin", "status", "version", "operations", "error"},
				[][]string{outcomeRow(migrator.PluginOutcome{Plugin: result.Plugin, Result: result})})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Schema file to apply instead of the registered one")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "plan <plugin>",
		Short: "Show the DDL a migration would run without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			desired, err := desiredSchema(args[0], file)
			if err != nil {
				return err
			}
			preview, err := engine.Service.Preview(ctx, args[0], desired)
			if err != nil {
				return err
			}

			if format, _ := parseOutputFormat(outputFlag); format != outputTable {
				return printOutput(os.Stdout, preview, nil, nil)
			}

			if preview.UpToDate {
				fmt.Printf("%s is up to date at version %d\n", preview.Plugin, preview.CurrentVersion)
				return nil
			}
			fmt.Printf("%s: version %d to %d\n", preview.Plugin, preview.CurrentVersion, preview.NextVersion)
			if preview.Blocked {
				fmt.Println("Blocked: the plan contains destructive operations (use --allow-destructive)")
			}
			if sql := preview.Plan.SQL(); sql != "" {
				fmt.Println()
				fmt.Println(sql)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Schema file to plan instead of the registered one")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [plugin]",
		Short: "Show recorded migration state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			headers := []string{"plugin", "version", "checksum", "applied at", "pending"}

			if len(args) == 1 {
				status, err := engine.Service.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				row := []string{args[0], "-", "-", "-", strconv.FormatBool(status.Pending)}
				if status.Record != nil {
					row = []string{args[0], strconv.Itoa(status.Record.Version), shortChecksum(status.Record.Checksum),
						status.Record.AppliedAt.Format(time.RFC3339), strconv.FormatBool(status.Pending)}
				}
				return printOutput(os.Stdout, status, headers, [][]string{row})
			}

			records, err := engine.Service.ListRecords(ctx)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				pending := "-"
				if status, err := engine.Service.GetStatus(ctx, r.PluginName); err == nil && status.Registered {
					pending = strconv.FormatBool(status.Pending)
				}
				rows = append(rows, []string{r.PluginName, strconv.Itoa(r.Version), shortChecksum(r.Checksum),
					r.AppliedAt.Format(time.RFC3339), pending})
			}
			return printOutput(os.Stdout, records, headers, rows)
		},
	}
}

func newJournalCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "journal <plugin>",
		Short: "Show committed migrations for a plugin, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			engine, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			entries, err := engine.Service.Journal(ctx, args[0], limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{strconv.Itoa(e.Version), e.RunID, strconv.Itoa(e.OperationCount),
					strconv.FormatBool(e.Destructive), strconv.FormatInt(e.DurationMs, 10), e.CreatedAt.Format(time.RFC3339)})
			}
			return printOutput(os.Stdout, entries, []string{"version", "run id", "operations", "destructive", "ms", "created at"}, rows)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show")
	return cmd
}

func outcomeRow(o migrator.PluginOutcome) []string {
	row := []string{o.Plugin, "failed", "-", "-", ""}
	if o.Result != nil {
		ops := 0
		if o.Result.Plan != nil {
			ops = len(o.Result.Plan.Operations)
		}
		row = []string{o.Plugin, string(o.Result.Status), strconv.Itoa(o.Result.Version), strconv.Itoa(ops), ""}
	}
	if o.Err != nil {
		row[4] = errorSummary(o.Err)
	}
	return row
}

// errorSummary keeps the first line of joined errors for table output.
func errorSummary(err error) string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		if errs := joined.Unwrap(); len(errs) > 0 {
			return errs[0].Error()
		}
	}
	return err.Error()
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
