package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/roomchat/internal/auth"
	"github.com/MarcoPoloResearchLab/roomchat/internal/config"
	"github.com/MarcoPoloResearchLab/roomchat/internal/database"
	"github.com/MarcoPoloResearchLab/roomchat/internal/logging"
	"github.com/MarcoPoloResearchLab/roomchat/internal/presence"
	"github.com/MarcoPoloResearchLab/roomchat/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomchat/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roomchat-api",
		Short: "Topic chat rooms with presence and capacity limits",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "SQLite path or MySQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("presence-timeout", defaults.GetDuration("chat.presence_timeout"), "Heartbeat lease after which a member stops counting as active")
	cmd.PersistentFlags().Int("default-capacity", defaults.GetInt("chat.default_capacity"), "Room capacity when the topic does not set one")
	cmd.PersistentFlags().Bool("reaper", defaults.GetBool("chat.reaper.enabled"), "Periodically delete long-lapsed member rows")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "chat.presence_timeout", "presence-timeout")
	bindFlag(cmd, "chat.default_capacity", "default-capacity")
	bindFlag(cmd, "chat.reaper.enabled", "reaper")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return err
		}
	}

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

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	policy, err := presence.NewPolicy(appConfig.Chat.PresenceTimeout)
	if err != nil {
		return err
	}

	store, err := rooms.NewStore(rooms.StoreConfig{
		Database:         db,
		Policy:           policy,
		Clock:            time.Now,
		IDProvider:       rooms.NewUUIDProvider(),
		Logger:           logger,
		MaxMessageLength: appConfig.Chat.MaxMessageLength,
		DefaultPageSize:  appConfig.Chat.DefaultPageSize,
		MaxPageSize:      appConfig.Chat.MaxPageSize,
	})
	if err != nil {
		return err
	}

	provisioner, err := rooms.NewProvisioner(rooms.ProvisionerConfig{
		Store:           store,
		DefaultCapacity: appConfig.Chat.DefaultCapacity,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	membership, err := rooms.NewMembershipManager(rooms.MembershipConfig{
		Store:             store,
		MaxNicknameLength: appConfig.Chat.MaxNicknameLength,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	messageLog, err := rooms.NewMessageLog(rooms.MessageLogConfig{
		Store:            store,
		MaxMessageLength: appConfig.Chat.MaxMessageLength,
		DefaultPageSize:  appConfig.Chat.DefaultPageSize,
		MaxPageSize:      appConfig.Chat.MaxPageSize,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	stateReader, err := rooms.NewStateReader(store, logger)
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Provisioner: provisioner,
		Membership:  membership,
		Messages:    messageLog,
		States:      stateReader,
		Logger:      logger,
	}
	if appConfig.SessionEnabled() {
		sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        appConfig.SessionIssuer,
			CookieName:    appConfig.SessionCookieName,
		})
		if err != nil {
			return err
		}
		deps.Sessions = sessionValidator
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	var reaper *rooms.Reaper
	if appConfig.Chat.ReaperEnabled {
		reaper, err = rooms.NewReaper(rooms.ReaperConfig{
			Store:     store,
			Policy:    policy,
			Interval:  appConfig.Chat.ReaperInterval,
			Retention: appConfig.Chat.ReaperRetention,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if reaper != nil {
		group.Go(func() error {
			return reaper.Run(groupCtx)
		})
	}

	return group.Wait()
}
