package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dealdesk/collab-sync/internal/auth"
	"github.com/dealdesk/collab-sync/internal/config"
	"github.com/dealdesk/collab-sync/internal/database"
	"github.com/dealdesk/collab-sync/internal/docstore"
	"github.com/dealdesk/collab-sync/internal/identity"
	"github.com/dealdesk/collab-sync/internal/logging"
	"github.com/dealdesk/collab-sync/internal/presence"
	"github.com/dealdesk/collab-sync/internal/room"
	"github.com/dealdesk/collab-sync/internal/server"
	"github.com/dealdesk/collab-sync/internal/versions"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-sync",
		Short: "Real-time document sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("auth-cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("flush-interval-s", defaults.GetInt("room.flush_interval_s"), "Room flush interval in seconds")
	cmd.PersistentFlags().Int("presence-active-window-s", defaults.GetInt("presence.active_window_s"), "Presence active window in seconds")
	cmd.PersistentFlags().Int("presence-stale-window-s", defaults.GetInt("presence.stale_window_s"), "Presence stale window in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.cookie_name", "auth-cookie-name")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "room.flush_interval_s", "flush-interval-s")
	bindFlag(cmd, "presence.active_window_s", "presence-active-window-s")
	bindFlag(cmd, "presence.stale_window_s", "presence-stale-window-s")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	stateAdapter, err := docstore.NewAdapter(docstore.AdapterConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	versionService, err := versions.NewService(versions.ServiceConfig{
		Database:      db,
		LiveDocuments: stateAdapter,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	presenceTracker, err := presence.NewTracker(presence.TrackerConfig{
		Database:     db,
		Logger:       logger,
		ActiveWindow: appConfig.PresenceActiveTTL,
		StaleWindow:  appConfig.PresenceStaleTTL,
	})
	if err != nil {
		return err
	}

	collaborators, err := identity.NewService(identity.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	coordinator, err := room.NewCoordinator(room.CoordinatorConfig{
		Store:         stateAdapter,
		Sessions:      sessionValidator,
		Logger:        logger,
		FlushInterval: appConfig.FlushInterval,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Coordinator:    coordinator,
		Versions:       versionService,
		Presence:       presenceTracker,
		Collaborators:  collaborators,
		Logger:         logger,
		InternalSecret: appConfig.InternalSecret,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flusherCtx, stopFlusher := context.WithCancel(context.Background())
	defer stopFlusher()
	go coordinator.Run(flusherCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		stopFlusher()
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Error("final room flush failed", zap.Error(err))
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}
