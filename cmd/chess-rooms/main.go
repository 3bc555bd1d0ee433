package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/cheese-rooms/internal/app"
	appcfg "github.com/park285/cheese-rooms/internal/config"
	"github.com/park285/cheese-rooms/internal/obslog"
	"go.uber.org/zap"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg)
	if err != nil {
		obslog.L().Error("app_init_error", zap.Error(err))
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           deps.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go deps.Run(ctx)
	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Error("server_listen_error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	obslog.L().Info("server_shutdown")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		obslog.L().Warn("server_shutdown_error", zap.Error(err))
	}
	deps.Server.CloseConnections(sctx)
	if err := deps.Close(); err != nil {
		obslog.L().Warn("app_close_error", zap.Error(err))
	}
}
