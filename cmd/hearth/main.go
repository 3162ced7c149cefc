package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	"github.com/hearth-social/hearth/server"
	"github.com/hearth-social/hearth/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "hearth",
		Usage:   "personal social-network node daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string",
			Value:   "sqlite://./data/hearth/hearth.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "blob-dir",
			Usage:   "directory for attachment blobs",
			Value:   "./data/hearth/blobs",
			EnvVars: []string{"HEARTH_BLOB_DIR"},
		},
		&cli.StringFlag{
			Name:    "api-listen",
			Value:   ":8777",
			EnvVars: []string{"HEARTH_API_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "owner-name",
			Usage:   "display name of the node owner, used at first boot",
			Value:   "hearth user",
			EnvVars: []string{"HEARTH_OWNER_NAME"},
		},
		&cli.StringFlag{
			Name:    "owner-url",
			Usage:   "public base URL of this node, used at first boot",
			EnvVars: []string{"HEARTH_OWNER_URL"},
		},
		&cli.DurationFlag{
			Name:    "delivery-timeout",
			Usage:   "per-peer push timeout",
			Value:   20 * time.Second,
			EnvVars: []string{"HEARTH_DELIVERY_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "delivery-workers",
			Usage:   "max concurrent per-peer pushes",
			Value:   8,
			EnvVars: []string{"HEARTH_DELIVERY_WORKERS"},
		},
		&cli.DurationFlag{
			Name:    "profile-forward-delay",
			Usage:   "quiet window before forwarding profile edits",
			Value:   10 * time.Minute,
			EnvVars: []string{"HEARTH_PROFILE_FORWARD_DELAY"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"HEARTH_LOG_LEVEL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
	}

	app.Action = func(cctx *cli.Context) error {
		logger := cliutil.SetupSlog(cctx.String("log-level"), os.Stdout)

		db, err := cliutil.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		srv, err := server.NewServer(db, server.Config{
			OwnerName:           cctx.String("owner-name"),
			OwnerURL:            cctx.String("owner-url"),
			BlobDir:             cctx.String("blob-dir"),
			DeliveryTimeout:     cctx.Duration("delivery-timeout"),
			DeliveryWorkers:     cctx.Int("delivery-workers"),
			ProfileForwardDelay: cctx.Duration("profile-forward-delay"),
		})
		if err != nil {
			return err
		}

		errc := make(chan error, 1)
		go func() {
			errc <- srv.RunAPI(cctx.String("api-listen"))
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errc:
			return err
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	}

	return app.Run(args)
}
