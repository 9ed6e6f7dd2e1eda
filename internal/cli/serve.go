package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/klauern/crosssync/internal/logging"
	"github.com/klauern/crosssync/internal/ui"
	"github.com/klauern/crosssync/internal/ui/tui"
)

// shutdownTimeout bounds how long serve waits for in-flight deliveries.
const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Run the sync service until interrupted",
		UsageText: "crosssync serve [options]",
		Description: `Start the event bus and sync engine, register the platforms listed in
   the config file and keep them in sync until SIGINT or SIGTERM.

   Platforms registered in earlier runs are restored from the platform
   registry and reconnected.

   Examples:
     crosssync serve
     crosssync serve --dashboard`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "dashboard",
				Aliases: []string{"d"},
				Usage:   "Show the live status dashboard",
			},
			&cli.DurationFlag{
				Name:  "refresh",
				Value: tui.DefaultRefresh,
				Usage: "Dashboard refresh interval",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx, cmd, cmd.Bool("dashboard"))
		},
	}
}

func dashboardCommand() *cli.Command {
	return &cli.Command{
		Name:  "dashboard",
		Usage: "Run the sync service with the live status dashboard",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "refresh",
				Value: tui.DefaultRefresh,
				Usage: "Dashboard refresh interval",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx, cmd, true)
		},
	}
}

func runServe(ctx context.Context, cmd *cli.Command, dashboard bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := startService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		svc.shutdown(shutdownCtx)
		logging.Info("sync service stopped")
	}()

	if dashboard {
		return tui.RunDashboard(ctx, svc.engine, cmd.Duration("refresh"))
	}

	st := svc.engine.Status(ctx)
	fmt.Println(ui.StatusSuccess(fmt.Sprintf("Sync service running, %d/%d platforms live",
		len(st.Live()), len(st.Platforms))))
	fmt.Println(ui.Dim("Press Ctrl+C to stop"))

	<-ctx.Done()
	fmt.Println()
	fmt.Println(ui.Info("Shutting down..."))
	return nil
}
