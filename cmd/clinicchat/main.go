package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/clinicchat/internal/app"
	"github.com/codefionn/clinicchat/internal/config"
	"github.com/codefionn/clinicchat/internal/logger"
	"github.com/codefionn/clinicchat/internal/securemem"
)

// Version information, injected at build time via ldflags.
var (
	Version   = "dev"
	Build     = "unknown"
	BuildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "clinicchat",
	Short: "Terminal client for the clinic message center",
	Long: `clinicchat is a terminal client for the clinic message center.

It keeps one login session per machine, warns before the session expires,
and streams a clinic or thread conversation in realtime.`,
	Version:       fmt.Sprintf("%s (build %s, %s)", Version, Build, BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.GetConfigPath()+")")
	rootCmd.AddCommand(loginCmd, logoutCmd, sessionCmd, threadsCmd, chatCmd)
}

func main() {
	securemem.Init()
	os.Exit(run())
}

func run() int {
	defer securemem.Purge()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startApp loads the config, sets up logging and starts the application.
// The returned function stops it.
func startApp(cmd *cobra.Command) (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}

	a, err := app.New(cfg, app.Options{
		Notifier: newNotifier(cmd.ErrOrStderr()),
		Logger:   logger.Global(),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := a.Start(cmd.Context()); err != nil {
		_ = a.Stop(context.Background())
		return nil, nil, err
	}

	stop := func() {
		if err := a.Stop(context.Background()); err != nil {
			logger.Warn("shutdown: %v", err)
		}
		if err := logger.Global().Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", err)
		}
	}
	return a, stop, nil
}
