package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/cache"
	"github.com/example/bg-remover/internal/config"
	"github.com/example/bg-remover/internal/logging"
	"github.com/example/bg-remover/internal/repository"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFlag string
	app := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "bgremove",
		Short:         "Remove image backgrounds through a remote service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default ./"+config.DefaultFileName+")")

	rootCmd.AddCommand(newRunCommand(app))
	rootCmd.AddCommand(newServeCommand(app))
	rootCmd.AddCommand(newTokenCommand(app))
	rootCmd.AddCommand(newHistoryCommand(app))
	return rootCmd
}

// commandContext lazily loads configuration and the logger shared by commands.
type commandContext struct {
	configFlag *string

	once   sync.Once
	config *config.Config
	logger *zap.Logger
	err    error
}

func (c *commandContext) ensure() (*config.Config, *zap.Logger, error) {
	c.once.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, err := config.Load(path)
		if err != nil {
			c.err = err
			return
		}
		logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			c.err = fmt.Errorf("build logger: %w", err)
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.logger, c.err
}

// openCache connects the result cache when a Redis address is configured.
// The returned cache is nil otherwise.
func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Cache, func(), error) {
	if cfg.Cache.RedisAddr == "" {
		return nil, func() {}, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := cache.Dial(dialCtx, cfg.Cache.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("result cache enabled", zap.String("redis_addr", cfg.Cache.RedisAddr))
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	return cache.NewRetrying(cache.NewRedisCache(client), logger), closeFn, nil
}

// openHistory connects the action history when a DSN is configured. The
// returned repository is nil otherwise.
func openHistory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*repository.HistoryRepository, func(), error) {
	if cfg.History.DatabaseDSN == "" {
		return nil, func() {}, nil
	}
	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := repository.Open(openCtx, cfg.History.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	repo := repository.NewHistoryRepository(db, logger)
	if err := repo.AutoMigrate(openCtx); err != nil {
		closeFn()
		return nil, nil, err
	}
	logger.Info("action history enabled")
	return repo, closeFn, nil
}
