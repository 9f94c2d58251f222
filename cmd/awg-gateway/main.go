package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pulselab/awg-gateway/internal/awg"
	"github.com/pulselab/awg-gateway/internal/config"
	"github.com/pulselab/awg-gateway/internal/device"
	"github.com/pulselab/awg-gateway/internal/gateway"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("awg-gateway starting",
		zap.String("listen", cfg.ListenAddr),
		zap.Strings("modules", cfg.Modules),
		zap.Int("channels", cfg.ChannelsPerModule),
		zap.Int("sizeLimit", cfg.WaveformSizeLimit),
	)

	registry := awg.NewRegistry()
	for _, name := range cfg.Modules {
		// Simulated device link; a vendor DLL binding plugs in here.
		sim := device.NewSim()
		sim.UploadRate = cfg.SimUploadRate

		m, err := awg.NewModule(awg.Config{
			Name:          name,
			Channels:      cfg.ChannelsPerModule,
			SizeLimit:     cfg.WaveformSizeLimit,
			UploadTimeout: time.Duration(cfg.UploadTimeoutSec) * time.Second,
		}, sim, logger)
		if err != nil {
			logger.Fatal("failed to create module", zap.String("module", name), zap.Error(err))
		}
		if err := registry.Add(m); err != nil {
			logger.Fatal("failed to register module", zap.String("module", name), zap.Error(err))
		}
	}

	gw := gateway.New(cfg, registry, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      gw.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("internal API listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("internal API failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	gw.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
