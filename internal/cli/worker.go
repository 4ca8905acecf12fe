package cli

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/dronecam/internal/config"
	"github.com/e7canasta/dronecam/internal/ipc"
	"github.com/e7canasta/dronecam/internal/status"
	"github.com/e7canasta/dronecam/internal/worker"
)

// Worker exit codes.
const (
	ExitClean   = 0
	ExitFatal   = 1
	ExitRunLoop = 2
)

const reporterFlushTimeout = time.Second

func NewWorkerCmd(deps *Dependencies, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "worker <feeder|recorder|stream|distribution>",
		Short:     "Run one worker process (started by the supervisor)",
		Hidden:    true,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"feeder", "recorder", "stream", "distribution"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := worker.ParseKind(args[0])
			if err != nil {
				return &ExitError{Code: ExitFatal, Err: err}
			}

			logger, err := newLogger(deps.Stderr, flags)
			if err != nil {
				return &ExitError{Code: ExitFatal, Err: err}
			}
			slog.SetDefault(logger.With("worker", string(kind)))

			// No signal handling: the supervisor stops workers through stdin.
			return runWorker(cmd.Context(), deps, kind)
		},
	}
}

func runWorker(ctx context.Context, deps *Dependencies, kind worker.Kind) error {
	var cfg config.Config
	if err := ipc.ReadFrame(deps.Stdin, &cfg); err != nil {
		slog.Error("failed to read configuration", "error", err)
		return &ExitError{Code: ExitFatal}
	}

	var sink io.WriteCloser = discardCloser{io.Discard}
	if deps.StatusOut != nil {
		sink = deps.StatusOut()
	}
	defer sink.Close()
	rep := status.NewReporter(sink, string(kind), cfg.RunID, status.DefaultReporterBuffer)
	defer func() {
		rep.Close(reporterFlushTimeout)
		sent, dropped := rep.Stats()
		slog.Debug("status reporter closed", "sent", sent, "dropped", dropped)
	}()

	// EOF on stdin is the stop request.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		io.Copy(io.Discard, deps.Stdin)
		slog.Debug("stop requested")
		cancel()
	}()

	if deps.NewEngine == nil {
		slog.Error("no media engine configured")
		return &ExitError{Code: ExitFatal}
	}
	eng, err := deps.NewEngine()
	if err != nil {
		slog.Error("failed to initialize media engine", "error", err)
		return &ExitError{Code: ExitFatal}
	}

	w, err := worker.New(kind, worker.Options{Config: &cfg, Engine: eng, Reporter: rep})
	if err != nil {
		slog.Error("failed to create worker", "error", err)
		return &ExitError{Code: ExitFatal}
	}

	slog.Info("worker starting", "run_id", cfg.RunID)
	err = w.Run(ctx)
	return workerExit(err)
}

// workerExit maps the outcome of Worker.Run to an exit code.
func workerExit(err error) error {
	switch {
	case err == nil:
		slog.Info("worker stopped")
		return nil
	case worker.IsFatal(err):
		return &ExitError{Code: ExitFatal}
	default:
		slog.Error("worker run loop ended", "error", err)
		return &ExitError{Code: ExitRunLoop}
	}
}

type discardCloser struct{ io.Writer }

func (discardCloser) Close() error { return nil }
