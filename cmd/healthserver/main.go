package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/cmd/flags"
	"github.com/ruteri/webapp-instance-provisioning/health"
	"github.com/urfave/cli/v2"
)

var cliFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "0.0.0.0:8081",
		EnvVars: []string{"LISTEN_ADDR"},
		Usage:   "address to serve /healthcheck on",
	},
	flags.ArtifactPathFlag,
	&cli.DurationFlag{
		Name:    "probe-timeout",
		Value:   health.DefaultTimeout,
		EnvVars: []string{"PROBE_TIMEOUT"},
		Usage:   "timeout of each datastore, cache and API probe",
	},
	&cli.DurationFlag{
		Name:    "verify-budget",
		Value:   health.DefaultBudget,
		EnvVars: []string{"VERIFY_BUDGET"},
		Usage:   "deadline of one whole /healthcheck verification",
	},
	flags.LogServiceFlagFn("webapp-health"),
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:  "webapp-healthserver",
		Usage: "Serve the instance health verification to the load balancer",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			verifier := health.NewVerifier(health.VerifierConfig{
				ArtifactPath: cCtx.String(flags.ArtifactPathFlag.Name),
				Timeout:      cCtx.Duration("probe-timeout"),
				Budget:       cCtx.Duration("verify-budget"),
				Log:          logger,
			})

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			cfg.WriteTimeout = cCtx.Duration("verify-budget") + 5*time.Second

			server := health.NewServer(cfg, verifier)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
