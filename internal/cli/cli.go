// Package cli provides the command-line interface for crosssync.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/klauern/crosssync/internal/config"
	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/ui"
)

var (
	// Version is the current version of the application.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the date and time of the build.
	BuildDate = "unknown"
)

// Run executes the CLI application with the given context and arguments.
func Run(ctx context.Context, args []string) error {
	app := &cli.Command{
		Name:    "crosssync",
		Usage:   "Keep an agent's state in sync across the platforms it runs on",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file",
				Sources: cli.EnvVars("CROSSSYNC_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose output (info level logging)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug output (debug level logging, implies verbose)",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "Disable colored output",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			// A broken config file is reported by the command that needs it.
			cfg, err := loadConfig(cmd)
			if err != nil {
				cfg = config.Default()
			}
			configureColors(cmd, cfg)
			return ctx, configureLogging(cmd, cfg)
		},
		Commands: []*cli.Command{
			versionCommand(),
			serveCommand(),
			dashboardCommand(),
			statusCommand(),
			platformsCommand(),
			rulesCommand(),
			keygenCommand(),
			verifyCommand(),
			exportCommand(),
			configCommand(),
		},
	}
	return app.Run(ctx, args)
}

// loadConfig reads the file named by --config, or the default config file.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if path := cmd.String("config"); path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// configureColors sets up color output based on CLI flags and config.
func configureColors(cmd *cli.Command, cfg *config.Config) {
	if cmd.Bool("no-color") {
		ui.DisableColors()
		return
	}
	ui.ConfigureColor(cfg.Output.Color, os.Stdout)
}

// configureLogging sets up the logging level based on CLI flags and config.
func configureLogging(cmd *cli.Command, cfg *config.Config) error {
	opts := logging.DefaultOptions()
	opts.Level = cfg.LogLevel()
	opts.JSON = cfg.Logging.JSON

	if cmd.Bool("debug") {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	} else if cmd.Bool("verbose") {
		opts.Level = slog.LevelInfo
	}

	logger := logging.New(opts)
	logging.SetDefault(logger)

	logging.Debug("logging configured", slog.String("level", opts.Level.String()))

	return nil
}
