package main

import (
	"context"
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
	&cli.BoolFlag{
		Name:    "restart",
		EnvVars: []string{"WEBAPP_RESTART_SERVICES"},
		Usage:   "restart the application services after rendering",
	},
	flags.LogServiceFlagFn("webapp-render-config"),
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:  "webapp-render-config",
		Usage: "Re-render the runtime configuration for the current environment without reinstalling",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			params, err := bootstrap.LoadParams(cCtx.String(flags.ConfigFileFlag.Name))
			if err != nil {
				logger.Error("Failed to load parameters", "err", err)
				return cli.Exit(err, 2)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := bootstrap.NewRunner(params, bootstrap.Deps{}, logger).Rerender(ctx, cCtx.Bool("restart")); err != nil {
				return cli.Exit(err, 1)
			}
			logger.Info("Runtime configuration rendered", "artifact", params.ArtifactPath)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
