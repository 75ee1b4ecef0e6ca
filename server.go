package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/auth"
	"github.com/example/bg-remover/internal/cache"
	"github.com/example/bg-remover/internal/config"
	"github.com/example/bg-remover/internal/export"
	"github.com/example/bg-remover/internal/handlers"
	"github.com/example/bg-remover/internal/imageservice"
	"github.com/example/bg-remover/internal/repository"
	"github.com/example/bg-remover/internal/session"
	"github.com/example/bg-remover/internal/workflow"
)

const sessionSweepInterval = time.Minute

func newServeCommand(app *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local workflow API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := app.ensure()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if err := cfg.RequireJWTSecret(); err != nil {
				return err
			}
			ctx := cmd.Context()

			client, err := imageservice.New(imageservice.Config{
				BaseURL:  cfg.Service.BaseURL,
				APIToken: cfg.Service.APIToken,
			}, logger)
			if err != nil {
				return err
			}

			resultCache, closeCache, err := openCache(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeCache()

			history, closeHistory, err := openHistory(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeHistory()

			exporters := sessionExporters(cfg, client, resultCache, logger)
			router, sessions := buildRouter(cfg, logger, client, exporters, history)

			sweepCtx, stopSweep := context.WithCancel(ctx)
			defer stopSweep()
			go sessions.Run(sweepCtx, sessionSweepInterval)

			server := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			logger.Info("local API listening",
				zap.String("addr", cfg.Server.Addr),
				zap.String("service_url", cfg.Service.BaseURL))
			return serveHTTPServer(server, cfg.ShutdownTimeout(), logger)
		},
	}
}

// exporterFactory returns the exporter for one session.
type exporterFactory func(sessionID string) workflow.Exporter

// sessionExporters saves each session's result under its own subdirectory of
// the export dir. The result cache is shared; it is keyed by processed
// reference.
func sessionExporters(cfg *config.Config, fetcher export.Fetcher, resultCache cache.Cache, logger *zap.Logger) exporterFactory {
	return func(sessionID string) workflow.Exporter {
		dir := filepath.Join(cfg.Export.Dir, sessionID)
		return export.NewFileExporter(fetcher, resultCache, cfg.CacheTTL(), dir, logger)
	}
}

// buildRouter assembles the local API. history may be nil.
func buildRouter(cfg *config.Config, logger *zap.Logger, service workflow.Service, exporters exporterFactory, history *repository.HistoryRepository) (*gin.Engine, *session.Manager) {
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	sessions := session.NewManager(func(sessionID, owner string) *workflow.Controller {
		var recorder workflow.Recorder
		if history != nil {
			recorder = repository.NewRecorder(history, owner, logger)
		}
		return workflow.NewController(service, exporters(sessionID), recorder, logger, workflow.Options{
			SessionID:           sessionID,
			ExportFilename:      cfg.Export.Filename,
			StrictDownload:      cfg.Workflow.StrictDownload,
			RequestTimeout:      cfg.RequestTimeout(),
			PreviewMaxDimension: cfg.Workflow.PreviewMaxDimension,
		})
	}, cfg.SessionTTL(), logger)

	var historyAPI handlers.History
	if history != nil {
		historyAPI = history
	}

	r := gin.Default()
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	handlers.RegisterRoutes(r, sessions, historyAPI, authMiddleware, cfg.Server.MaxUploadBytes)
	return r, sessions
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
