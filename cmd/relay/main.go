// Command relay serves and inspects the chat relay.
package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app is shared by every subcommand once the root pre-run has loaded it.
type app struct {
	out        io.Writer
	configPath string
	cfg        config.Config
	logger     *zap.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:          "relay",
		Short:        "Multi-tenant chat relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = os.Getenv("RELAY_CONFIG")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (default $RELAY_CONFIG)")

	root.AddCommand(
		newServeCmd(a),
		newAskCmd(a),
		newReportCmd(a),
		newEventsCmd(a),
	)
	return root
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func (a *app) openStore() (*sql.DB, error) {
	database, err := db.OpenDB(a.cfg.DBDriver, a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return database, nil
}

// registry returns the configured adapters, plus the scripted provider when
// RELAY_DUMMY_PROVIDER_SCRIPT is set.
func (a *app) registry() (*provider.Registry, error) {
	r := provider.NewBuiltinRegistry(a.cfg)
	if a.cfg.DummyProviderScript != "" {
		p, err := dummy.NewProvider("", a.cfg.DummyProviderScript)
		if err != nil {
			return nil, err
		}
		r.Register(p)
		a.logger.Info("scripted provider enabled", zap.String("script", a.cfg.DummyProviderScript))
	}
	return r, nil
}
