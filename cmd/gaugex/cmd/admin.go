package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gaugex/gaugex/internal/agent"
	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/maintenance"
	"github.com/gaugex/gaugex/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print event counts by status and store size",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(cfg *config.Config, st *store.EventStore, logger *zap.Logger) error {
			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete events older than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return withStore(cmd, func(cfg *config.Config, st *store.EventStore, logger *zap.Logger) error {
			n, err := maintenance.New(st, cfg.Storage(), logger).PurgeOlderThanDays(cmd.Context(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"purged": n})
		})
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Sweep transmitted and failed events and compact the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(cfg *config.Config, st *store.EventStore, logger *zap.Logger) error {
			swept, err := maintenance.New(st, cfg.Storage(), logger).Optimize(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"swept": swept})
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Transmit every pending event now",
	RunE:  runFlush,
}

func init() {
	rootCmd.AddCommand(statsCmd, purgeCmd, optimizeCmd, flushCmd)
	purgeCmd.Flags().Int("days", 7, "delete events older than this many days")
}

func runFlush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	res, flushErr := a.FlushEvents(ctx)
	if err := a.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if flushErr != nil {
		return flushErr
	}
	return printJSON(cmd.OutOrStdout(), res)
}

// withStore opens and migrates the configured store for one admin command.
func withStore(cmd *cobra.Command, fn func(*config.Config, *store.EventStore, *zap.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.Open(cmd.Context(), cfg.DatabaseURL(), logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer st.Close()
	return fn(cfg, st, logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
