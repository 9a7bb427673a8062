// Command timon is the command-line companion to the storage engine. It
// converts JSON batches to partition files and runs SQL over them without
// a catalog.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/timondb/timon/internal/config"
	"github.com/timondb/timon/internal/ingest"
	"github.com/timondb/timon/internal/parquet"
	"github.com/timondb/timon/internal/query"
	"github.com/timondb/timon/pkg/types"
)

var tsField string

func main() {
	// Optional; a missing .env is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "timon",
		Short: "Timon time-series storage utilities",
		Long:  "Convert JSON batches into columnar partition files and query them with SQL.",
	}
	root.PersistentFlags().StringVar(&tsField, "timestamp-field", "",
		"designated timestamp field name (default \"timestamp\", alias \"ts\")")

	root.AddCommand(convertCmd(), queryCmd(), inspectCmd())

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func convertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <input.json> <output.parquet>",
		Short: "Convert a JSON array of records into a partition file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}

			field := tsField
			if field == "" {
				field = envTimestampField()
			}
			sch, rows, err := ingest.BuildRows(string(data), field)
			if err != nil {
				return err
			}
			meta, err := parquet.WriteFile(args[1], sch, rows, timestampFieldOf(sch, field))
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", args[1], err)
			}

			color.Green("wrote %d rows (%d row groups) to %s", meta.NumRows, meta.NumRowGroups, args[1])
			return nil
		},
	}
}

func queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <file.parquet> <sql>",
		Short: "Run SQL against a partition file (table name \"timon\")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, rows, err := parquet.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			out, err := query.ExecuteOnRows(context.Background(),
				types.Schema{Fields: meta.Schema}, rows, args[1])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.parquet>",
		Short: "Print a partition file's footer metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parquet.ReadMetadata(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			bold := color.New(color.Bold)
			bold.Printf("rows:       %d\n", meta.NumRows)
			bold.Printf("row groups: %d\n", meta.NumRowGroups)
			fmt.Printf("timestamps: %d .. %d\n", meta.MinTimestamp, meta.MaxTimestamp)
			fmt.Printf("written by: %s at %s\n", meta.CreatedBy, meta.CreatedAt)
			fmt.Println("schema:")
			for _, f := range meta.Schema {
				fmt.Printf("  %-20s %s\n", f.Name, f.Type)
			}
			return nil
		},
	}
}

func envTimestampField() string {
	cfg := config.DefaultConfig()
	config.LoadFromEnv(cfg)
	return cfg.TimestampField
}

// timestampFieldOf returns the schema's timestamp-typed field, since a
// batch may carry the alias rather than the configured name.
func timestampFieldOf(sch types.Schema, field string) string {
	for _, f := range sch.Fields {
		if f.Type == types.TypeTimestamp {
			return f.Name
		}
	}
	if field == "" {
		return types.TimestampField
	}
	return field
}
