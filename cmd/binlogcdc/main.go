package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/snapflowio/binlogcdc"
	"github.com/snapflowio/binlogcdc/checkpoint"
	"github.com/snapflowio/binlogcdc/config"
	"github.com/snapflowio/binlogcdc/sink"
)

var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "binlogcdc",
	Short:         "binlogcdc - MySQL change data capture",
	Long:          `Snapshots MySQL tables and streams their binlog changes to a sink`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "binlogcdc.yaml", "config file path")
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(checkpointCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("binlogcdc %s\n", version)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Snapshot and stream the configured tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		out, err := sink.Open(ctx, cfg.Sink)
		if err != nil {
			return fmt.Errorf("failed to open sink: %w", err)
		}
		defer out.Close()

		connector, err := binlogcdc.NewConnector(ctx, *cfg, out)
		if err != nil {
			return err
		}
		defer connector.Close()

		return connector.Start(ctx)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that the server and tables can be captured",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		connector, err := binlogcdc.NewConnector(ctx, *cfg, sink.NewWriter(os.Stdout))
		if err != nil {
			return err
		}
		defer connector.Close()

		info, err := connector.Check(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Server version: %s\n", info.Version)
		fmt.Printf("Binlog format: %s, row image: %s\n", info.Format, info.RowImage)
		fmt.Printf("Current position: %s\n", info.Current)
		if info.GTIDExecuted != "" {
			fmt.Printf("Executed GTID set: %s\n", info.GTIDExecuted)
		}
		fmt.Printf("Binlog files: %d (%d bytes retained)\n", len(info.Files), info.Retained())
		fmt.Printf("Tables: %v\n", connector.Tables())

		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset the stored checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store checkpoint.Store, cfg *config.Config) error {
			cp, err := store.Load(cmd.Context(), cfg.SourceID())
			if errors.Is(err, checkpoint.ErrNotFound) {
				fmt.Printf("No checkpoint stored for %s\n", cfg.SourceID())
				return nil
			}
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(cp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		})
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the stored checkpoint so the next run starts over",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store checkpoint.Store, cfg *config.Config) error {
			tracker := checkpoint.NewTracker(store, cfg.SourceID(), cfg.Checkpoint.Interval)
			if err := tracker.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("Checkpoint for %s deleted\n", cfg.SourceID())
			return nil
		})
	},
}

func withStore(ctx context.Context, fn func(checkpoint.Store, *config.Config) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := checkpoint.OpenStore(ctx, cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	return fn(store, cfg)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
