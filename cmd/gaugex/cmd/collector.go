package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gaugex/gaugex/internal/core/config"
	"github.com/gaugex/gaugex/internal/core/server"
)

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run a local development collector that logs received events",
	RunE:  runCollector,
}

func init() {
	rootCmd.AddCommand(collectorCmd)
	collectorCmd.Flags().String("grpc-addr", "127.0.0.1:50051", "gRPC listen address")
	collectorCmd.Flags().String("http-addr", "127.0.0.1:8080", "HTTP listen address (disabled when empty)")
	collectorCmd.Flags().Int("max-batch", 1000, "largest accepted batch")
}

func runCollector(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// GX_COLLECTOR_KEYS accepts a comma-separated list; GX_API_KEY is the fallback.
	keys := splitKeys(os.Getenv("GX_COLLECTOR_KEYS"))
	if len(keys) == 0 {
		keys = splitKeys(os.Getenv("GX_API_KEY"))
	}
	if len(keys) == 0 {
		return fmt.Errorf("no API keys configured (set GX_COLLECTOR_KEYS or GX_API_KEY)")
	}
	_, secret, err := config.SecretsFromEnv()
	if err != nil {
		return err
	}

	grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	maxBatch, _ := cmd.Flags().GetInt("max-batch")

	collector, err := server.NewCollector(server.Config{
		GRPCAddr:      grpcAddr,
		APIKeys:       keys,
		SigningSecret: secret,
		MaxBatchSize:  maxBatch,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create collector: %w", err)
	}

	errChan := make(chan error, 2)
	go func() {
		errChan <- collector.Start(cmd.Context())
	}()

	var httpServer *http.Server
	if httpAddr != "" {
		httpServer = &http.Server{Addr: httpAddr, Handler: collector.HTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("collector HTTP listening", zap.String("http_addr", httpAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		logger.Info("shutting down collector",
			zap.Int64("batches", collector.Batches()),
			zap.Int64("events", collector.Accepted()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
	}
	return collector.Shutdown(ctx)
}

func splitKeys(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
