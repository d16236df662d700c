// Package cli provides the standalone rivetkit server command. It loads
// configuration, opens the storage backend, hosts the registered actor
// definitions, and serves the HTTP gateway until interrupted.
//
// Embedding programs register their definitions and hand control to the root
// command:
//
//	cli.Register(counterDefinition)
//	if err := cli.RootCmd.Execute(); err != nil {
//		log.Fatal(err)
//	}
//
// Configuration comes from config.yaml, .env, and RIVET_* environment
// variables; see the config package for the full precedence rules.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/rivet-dev/rivetkit-go/actor"
	"github.com/rivet-dev/rivetkit-go/common"
	"github.com/rivet-dev/rivetkit-go/config"
	"github.com/rivet-dev/rivetkit-go/gateway"
	"github.com/rivet-dev/rivetkit-go/kv"
	"github.com/rivet-dev/rivetkit-go/version"
)

// cfgFile is the --config flag value; empty means search the standard
// locations.
var cfgFile string

// definitions are the actor definitions the serve command will host.
var definitions []*actor.Definition

// Register queues a definition for hosting. Must be called before the root
// command executes.
func Register(def *actor.Definition) {
	definitions = append(definitions, def)
}

// RootCmd is the rivetkit server command.
var RootCmd = &cobra.Command{
	Use:   "rivetkit",
	Short: "serve registered actor definitions over the HTTP gateway",
	Long: `rivetkit hosts stateful actors on top of an ordered key-value store.

The server loads its configuration from config.yaml, .env, and RIVET_*
environment variables, opens the configured storage driver (bolt, memory, or
redis), and serves the /gateway HTTP and websocket endpoints for every
registered actor definition. Idle actors hibernate to storage and are revived
on demand or by persisted alarms.`,
	SilenceUsage: true,
	Version:      version.String(),
	RunE:         runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., ./configs, ~/.rivetkit, /etc/rivetkit)")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	factory, err := openFactory(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	host, err := actor.NewHost(factory, cfg.Runtime.Options(), logger)
	if err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	for _, def := range definitions {
		if err := host.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	var gwOpts []gateway.Option
	if cfg.Server.RateLimit > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), int(cfg.Server.RateLimit))
		gwOpts = append(gwOpts, gateway.WithRateLimit(limiter))
	}
	gateway.New(host, cfg.Runtime.Options(), logger, gwOpts...).Register(e)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.WithField("addr", addr).Info("gateway listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("gateway server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("gateway shutdown")
	}
	if err := host.Close(); err != nil {
		logger.WithError(err).Warn("host shutdown")
	}
	return nil
}

// setupLogger builds the process logger from the logging section.
func setupLogger(cfg config.LoggingConfig) *logrus.Entry {
	return logrus.NewEntry(common.NewLogger(common.LoggerConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
	}))
}

// openFactory opens the configured storage backend.
func openFactory(ctx context.Context, cfg *config.Config, logger *logrus.Entry) (kv.Factory, error) {
	switch cfg.Storage.Driver {
	case "memory":
		f := kv.NewMemory()
		if cfg.Storage.WorkerPollInterval > 0 {
			f.SetPollInterval(cfg.Storage.WorkerPollInterval)
		}
		return f, nil
	case "redis":
		return kv.OpenRedis(ctx, kv.RedisConfig{
			URL:          cfg.Storage.RedisURL,
			PollInterval: cfg.Storage.WorkerPollInterval,
		})
	default:
		opts := []kv.BoltOption{kv.WithLogger(logger)}
		if cfg.Storage.WorkerPollInterval > 0 {
			opts = append(opts, kv.WithPollInterval(cfg.Storage.WorkerPollInterval))
		}
		return kv.OpenBolt(cfg.Storage.Path, opts...)
	}
}
