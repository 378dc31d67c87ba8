// Command ethplorer-api serves the ledger analytics API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/config"
	"github.com/sensei777/Ethplorer/httpapi"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "ethplorer-api"
	app.Usage = "incremental ledger analytics API"
	app.Version = version
	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "ethplorer.yaml",
			Usage:  "path of the YAML configuration `FILE`",
			EnvVar: "ETHPLORER_CONFIG",
		},
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "override the listen address",
		},
		cli.BoolFlag{
			Name:  "migrate",
			Usage: "create or update the postgres operations table before serving",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ethplorer-api: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if l := c.String("listen"); l != "" {
		cfg.Listen = l
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close()
	log := svc.logger("main")

	if c.Bool("migrate") {
		if err := svc.migrate(ctx); err != nil {
			return err
		}
	}

	srv := httpapi.NewServer(httpapi.Options{
		Addr:        cfg.Listen,
		Dispatcher:  svc.dispatcher,
		Metrics:     svc.metrics,
		MetricsPath: cfg.Metrics,
		Logger:      svc.logger("http"),
	})
	err = srv.Start(ctx)
	log.Info("shutting down", ethplorer.Fields{"err": err})
	return err
}
