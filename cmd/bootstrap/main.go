package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/webapp-instance-provisioning/bootstrap"
	"github.com/ruteri/webapp-instance-provisioning/cmd/flags"
	"github.com/urfave/cli/v2"
)

var cliFlags = append([]cli.Flag{
	flags.ConfigFileFlag,
	&cli.StringFlag{
		Name:    "strategy",
		EnvVars: []string{"WEBAPP_STRATEGY"},
		Usage:   "deployment strategy: auto, packaged-script, playbook or prebuilt-image",
	},
	flags.LogServiceFlagFn("webapp-bootstrap"),
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:  "webapp-bootstrap",
		Usage: "Configure, install and start the web application on this instance",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			params, err := bootstrap.LoadParams(cCtx.String(flags.ConfigFileFlag.Name))
			if err != nil {
				logger.Error("Failed to load parameters", "err", err)
				return cli.Exit(err, 2)
			}
			if s := cCtx.String("strategy"); s != "" {
				params.Strategy = s
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := bootstrap.NewRunner(params, bootstrap.Deps{}, logger).Run(ctx); err != nil {
				var stageErr *bootstrap.StageError
				if errors.As(err, &stageErr) {
					return cli.Exit(fmt.Sprintf("bootstrap failed at stage %s: %v", stageErr.Stage, stageErr.Err), 1)
				}
				return cli.Exit(err, 1)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
