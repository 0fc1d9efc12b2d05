// Package cli provides the workhub command: it loads configuration, opens
// the coordination store, dials the transport and runs a node together with
// the ops HTTP server until the process is signalled.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/workhubhq/workhub/api"
	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/config"
	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/db"
	"github.com/workhubhq/workhub/perspective"
	"github.com/workhubhq/workhub/statemanager"
	"github.com/workhubhq/workhub/transport"
	"github.com/workhubhq/workhub/worker"
)

// cfgFile holds the path given via --config; empty means the standard
// search locations.
var cfgFile string

// RootCmd is the workhub service entry point.
var RootCmd = &cobra.Command{
	Use:   "workhub",
	Short: "run a WorkHub coordination node",
	Long: `WorkHub coordination node

Runs one service instance of the WorkHub engine: the PostgreSQL-backed
work coordinator, the outbox publisher and inbox consumer over the broker,
perspective catch-up and an ops HTTP server exposing coordination state.

Configuration comes from a YAML file, WORKHUB_ environment variables and
command-line flags, in ascending precedence.`,
	RunE: runNode,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ~/.workhub, /etc/workhub)")

	RootCmd.PersistentFlags().String("service-name", "", "logical service name")
	RootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")
	RootCmd.PersistentFlags().String("broker-url", "", "AMQP connection URL")
	RootCmd.PersistentFlags().String("redis-url", "", "Redis URL, uses the redis transport instead of AMQP")
	RootCmd.PersistentFlags().Int("port", 0, "ops HTTP server port")
	RootCmd.PersistentFlags().StringSlice("consume", nil, "destinations to consume")
	RootCmd.PersistentFlags().Bool("debug", false, "retain terminal coordination rows for inspection")

	viper.BindPFlag("service.name", RootCmd.PersistentFlags().Lookup("service-name"))
	viper.BindPFlag("database.url", RootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("broker.url", RootCmd.PersistentFlags().Lookup("broker-url"))
	viper.BindPFlag("redis.url", RootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("server.port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("coordination.debug_mode", RootCmd.PersistentFlags().Lookup("debug"))
}

// loadConfig merges the file, environment and bound flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	// Flags bound on the global viper override the loader's result.
	if v := viper.GetString("service.name"); v != "" {
		cfg.Service.Name = v
	}
	if v := viper.GetString("database.url"); v != "" {
		cfg.Database.URL = v
	}
	if v := viper.GetString("broker.url"); v != "" {
		cfg.Broker.URL = v
	}
	if v := viper.GetString("redis.url"); v != "" {
		cfg.Redis.URL = v
	}
	if v := viper.GetInt("server.port"); v != 0 {
		cfg.Server.Port = v
	}
	if viper.GetBool("coordination.debug_mode") {
		cfg.Coordination.DebugMode = true
	}
	return cfg, nil
}

func dialTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	if cfg.Redis.URL != "" {
		return transport.NewRedisTransport(ctx, cfg.Redis.URL, cfg.Redis.KeyPrefix)
	}
	return transport.NewAMQPTransport(cfg.Broker.URL)
}

func runNode(cmd *cobra.Command, args []string) error {
	logger := common.Logger.WithField("component", "cli")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := context.Background()

	database, err := db.NewPostgresDB(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer database.Close()

	schema := db.Schema{
		Prefix:            cfg.Database.Prefix,
		PerspectivePrefix: cfg.Database.PerspectivePrefix,
		SchemaName:        cfg.Database.Schema,
	}
	if err := schema.Migrate(ctx, database); err != nil {
		return fmt.Errorf("failed to migrate coordination tables: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.Open(cfg.Database.URL))
	if err != nil {
		return fmt.Errorf("failed to open perspective state connection: %w", err)
	}
	states, err := perspective.NewStateStore(gormDB, schema)
	if err != nil {
		return err
	}

	broker, err := dialTransport(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to dial transport: %w", err)
	}
	defer broker.Close()

	store := coordinator.NewStore(database, schema)
	listener := db.NewListener(database, "wh_work")
	tracker := statemanager.New(statemanager.Config{ServiceName: cfg.Service.Name})

	var deadLetters *worker.DeadLetterStore
	if cfg.Coordination.DeadLetterPath != "" {
		deadLetters, err = worker.OpenDeadLetterStore(cfg.Coordination.DeadLetterPath)
		if err != nil {
			return fmt.Errorf("failed to open dead letter store: %w", err)
		}
		defer deadLetters.Close()
	}

	consume, _ := cmd.Flags().GetStringSlice("consume")
	node := worker.NewNode(store, broker, worker.Options{
		ServiceName:     cfg.Service.Name,
		Consume:         consume,
		States:          states,
		Listener:        listener,
		ParallelStreams: cfg.Coordination.Parallelism,
		Interval:        cfg.Coordination.FlushInterval,
		PartitionCount:  cfg.Coordination.PartitionCount,
		Lease:           cfg.Coordination.Lease,
		StaleThreshold:  cfg.Coordination.StaleThreshold,
		MaxAttempts:     cfg.Coordination.MaxAttempts,
		DeadLetters:     deadLetters,
		OnBatch:         tracker.ObserveBatch,
	})
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	ops := e.Group("")
	tracker.RegisterRoutes(ops)
	tracker.RegisterCoordinationRoutes(ops, store)
	if cfg.Server.JWTSecret != "" {
		api.SetupRoutes(e, &api.Handlers{
			Sender: node.Dispatcher(),
			Events: store,
			JWT:    api.NewJWTService(cfg.Server.JWTSecret),
		}, cfg.Server.JWTSecret)
	}
	e.GET("/healthz", func(c echo.Context) error {
		if err := database.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "database unreachable"})
		}
		if !broker.IsReady() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "transport not ready"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.WithField("address", address).Info("ops server starting")
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("ops server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("ops server shutdown failed")
	}
	node.Stop()
	return nil
}
