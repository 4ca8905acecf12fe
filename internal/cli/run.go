package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/e7canasta/dronecam/internal/config"
	"github.com/e7canasta/dronecam/internal/emitter"
	"github.com/e7canasta/dronecam/internal/supervisor"
)

const (
	statePublishInterval = 10 * time.Second
	shutdownTimeout      = 5 * time.Second
)

func NewRunCmd(deps *Dependencies, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor and every enabled worker",
		Long:  "Spawns the feeder and the enabled consumers, relays their status and stops them on SIGINT/SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(deps.Stderr, flags)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runSupervisor(ctx, deps, flags)
		},
	}
}

func runSupervisor(ctx context.Context, deps *Dependencies, flags *globalFlags) error {
	cfg, err := config.Load(flags.loadOptions())
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	cfg.RunID = uuid.NewString()

	slog.Info("starting dronecam", "version", Version, "run_id", cfg.RunID, "instance_id", cfg.InstanceID)

	sup := supervisor.New(cfg, supervisor.Options{Spawner: deps.Spawner})
	if err := sup.Start(ctx); err != nil {
		if errors.Is(err, config.ErrNoConsumers) {
			slog.Error("nothing to do", "error", err)
		} else {
			slog.Error("failed to start supervisor", "error", err)
		}
		return &ExitError{Code: 1, Err: err}
	}
	defer sup.Stop()

	var health *supervisor.HealthServer
	if cfg.StatusPort > 0 {
		health = supervisor.NewHealthServer(sup, fmt.Sprintf(":%d", cfg.StatusPort))
		if err := health.Start(); err != nil {
			slog.Warn("status server disabled", "error", err)
			health = nil
		}
	}

	tctx, cancelTelemetry := context.WithCancel(ctx)
	defer cancelTelemetry()

	var (
		em      *emitter.Emitter
		control *emitter.Control
	)
	if cfg.MQTT.Broker != "" {
		em, control = startTelemetry(tctx, cfg, sup)
	}

	err = sup.Run(ctx)

	sup.Stop()
	cancelTelemetry()
	if em != nil {
		control.Stop()
		if err := em.PublishState(sup.Snapshot()); err != nil {
			slog.Debug("final state publish failed", "error", err)
		}
		st := em.Stats()
		slog.Info("mqtt telemetry summary", "published_topics", len(st.Published), "errors", st.Errors)
		em.Disconnect()
	}
	if health != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := health.Shutdown(sctx); err != nil {
			slog.Warn("status server shutdown failed", "error", err)
		}
	}

	sup.Bus().Close()
	slog.Info("dronecam stopped")
	return err
}

// startTelemetry connects the MQTT emitter and control plane. Failures are
// logged; the pipelines run regardless.
func startTelemetry(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor) (*emitter.Emitter, *emitter.Control) {
	em := emitter.New(cfg)
	if err := em.Connect(ctx); err != nil {
		slog.Warn("mqtt unavailable, retrying in background", "error", err)
	}

	go func() {
		if err := em.Run(ctx, sup.Bus()); err != nil {
			slog.Warn("status forwarding stopped", "error", err)
		}
	}()

	control := emitter.NewControl(em, emitter.Callbacks{
		OnGetStatus: func() any { return sup.Snapshot() },
		OnShutdown:  sup.RequestShutdown,
	})
	if err := control.Start(ctx); err != nil {
		slog.Warn("control plane not subscribed, retrying on reconnect", "error", err)
	}

	go func() {
		ticker := time.NewTicker(statePublishInterval)
		defer ticker.Stop()
		for {
			if err := em.PublishState(sup.Snapshot()); err != nil {
				slog.Debug("state publish failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return em, control
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// Execute runs the command tree and returns the exit status.
func Execute(deps *Dependencies, args []string) int {
	root := NewRootCmd(deps)
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		var ee *ExitError
		if !errors.As(err, &ee) || ee.Err != nil {
			fmt.Fprintln(deps.Stderr, "Error:", err)
		}
	}
	return exitCode(err)
}
