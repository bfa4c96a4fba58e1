// Package service restarts the application's system services and waits for
// them to come up.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/ruteri/webapp-instance-provisioning/retry"
)

// DefaultUnits are the web server and language runtime units.
var DefaultUnits = []string{"php-fpm.service", "nginx.service"}

// Starter restarts systemd units in order.
type Starter struct {
	units  []string
	runner interfaces.CommandRunner
	wait   *retry.Executor
	log    *slog.Logger
}

// NewStarter creates a Starter for units; nil units means DefaultUnits.
func NewStarter(units []string, runner interfaces.CommandRunner, wait *retry.Executor, log *slog.Logger) *Starter {
	if len(units) == 0 {
		units = DefaultUnits
	}
	return &Starter{units: units, runner: runner, wait: wait, log: log}
}

// Start restarts each unit, then waits until it reports active before moving
// to the next one. A failing restart is fatal; a unit slow to become active
// is retried until the wait budget runs out.
func (s *Starter) Start(ctx context.Context) error {
	for _, unit := range s.units {
		start := time.Now()

		out, err := s.runner.Run(ctx, interfaces.Command{Name: "systemctl", Args: []string{"restart", unit}})
		if err != nil {
			return fmt.Errorf("restarting %s: %w: %s", unit, err, strings.TrimSpace(string(out)))
		}

		err = s.wait.Do(ctx, "wait-active-"+unit, func(ctx context.Context) error {
			if _, err := s.runner.Run(ctx, interfaces.Command{Name: "systemctl", Args: []string{"is-active", "--quiet", unit}}); err != nil {
				return fmt.Errorf("%s is not active yet: %w", unit, err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", unit, err)
		}

		s.log.Info("Service is active",
			slog.String("unit", unit),
			slog.Duration("duration", time.Since(start)))
	}
	return nil
}
