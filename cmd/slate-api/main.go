package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/config"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/database"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/events"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/files"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/host"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const sessionIssuer = "slate-auth"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "slate-api",
		Short: "Slate collaboration room server",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite metadata database path")
	cmd.PersistentFlags().String("blob-path", defaults.GetString("blob.path"), "Blob store database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Int("persist-interval-ms", defaults.GetInt("room.persist_interval_ms"), "Persist throttle interval in milliseconds")
	cmd.PersistentFlags().Int("max-sessions", defaults.GetInt("room.max_sessions"), "Maximum sessions per room")
	cmd.PersistentFlags().Int("ratelimit-per-minute", defaults.GetInt("ratelimit.per_minute"), "Admission rate limit per minute")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "blob.path", "blob-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "room.persist_interval_ms", "persist-interval-ms")
	bindFlag(cmd, "room.max_sessions", "max-sessions")
	bindFlag(cmd, "ratelimit.per_minute", "ratelimit-per-minute")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	blobStore, err := blob.OpenBolt(appConfig.BlobPath)
	if err != nil {
		return err
	}
	defer blobStore.Close()

	infoStore, err := host.NewBoltInfoStore(blobStore.DB())
	if err != nil {
		return err
	}

	fileService, err := files.NewService(files.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	registry, err := host.NewRegistry(host.RegistryConfig{
		Blob:            blobStore,
		Files:           fileService,
		Limiter:         ratelimit.New(appConfig.RateLimitPerMinute),
		Recorder:        events.NewLogRecorder(logger),
		Logger:          logger,
		InfoStore:       infoStore.For,
		PersistInterval: appConfig.PersistInterval,
		MaxSessions:     appConfig.MaxRoomSessions,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Registry: registry,
		Files:    fileService,
		Sessions: sessionValidator,
		Logger:   logger,
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
