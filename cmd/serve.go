package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/krau/clipworker/cache"
	"github.com/krau/clipworker/config"
	"github.com/krau/clipworker/metrics"
	"github.com/krau/clipworker/onnx"
	"github.com/krau/clipworker/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker on stdin/stdout",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("starting clipworker", zap.String("version", server.Version), zap.Int("pid", os.Getpid()))

	srv, cleanup := newServer(ctx, cfg, logger, cmd.OutOrStdout())
	defer cleanup()

	if err := srv.Run(ctx, cmd.InOrStdin()); err != nil && ctx.Err() == nil {
		logger.Error("protocol loop stopped", zap.Error(err))
		return err
	}
	logger.Info("input closed, shutting down")
	return nil
}

// newServer wires the ONNX backend, text cache and metrics listener around a
// protocol Server. cleanup releases all of them.
func newServer(ctx context.Context, cfg config.Config, logger *zap.Logger, out io.Writer) (*server.Server, func()) {
	backend := onnx.NewBackend(cfg.ModelsDir, 0, logger)

	var opts []server.Option
	vc, err := cache.FromConfig(cfg)
	if err != nil {
		logger.Warn("text cache disabled", zap.Error(err))
	} else if vc != nil {
		opts = append(opts, server.WithCache(vc))
	}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	srv := server.New(cfg, backend, out, logger, opts...)
	return srv, func() {
		if err := srv.Close(); err != nil {
			logger.Warn("failed to close encoder", zap.Error(err))
		}
		if vc != nil {
			vc.Close()
		}
		stopMetrics()
		if err := onnx.Shutdown(); err != nil {
			logger.Warn("failed to release ONNX Runtime", zap.Error(err))
		}
	}
}
