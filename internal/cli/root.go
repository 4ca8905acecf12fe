// Package cli wires the dronecam commands: the supervisor ("run"), the
// configuration dump ("config") and the hidden per-process worker entry
// point ("worker <kind>").
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/e7canasta/dronecam/internal/config"
	"github.com/e7canasta/dronecam/internal/engine"
	"github.com/e7canasta/dronecam/internal/supervisor"
)

// Version is set at build time.
var Version = "dev"

// Dependencies are the process resources the commands use.
type Dependencies struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// StatusOut is where a worker writes status frames (fd 3).
	StatusOut func() io.WriteCloser

	// NewEngine builds the media engine for a worker.
	NewEngine func() (engine.Engine, error)

	// Spawner starts worker processes for the supervisor.
	Spawner supervisor.Spawner
}

// ExitError carries a process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

type globalFlags struct {
	debug      bool
	logFormat  string
	envFile    string
	configFile string
}

// NewRootCmd builds the command tree.
func NewRootCmd(deps *Dependencies) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "dronecam",
		Short:         "Drone camera capture, recording and streaming",
		Long:          "Captures one camera and fans it out to archive recording, still images, an RTP stream and an RTSP server, each in its own process.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	rootCmd.SetIn(deps.Stdin)
	rootCmd.SetOut(deps.Stdout)
	rootCmd.SetErr(deps.Stderr)

	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	pf.StringVar(&flags.logFormat, "log-format", "json", "Log format: json or text")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	pf.StringVar(&flags.configFile, "config", "", "Optional YAML configuration file")

	rootCmd.AddCommand(NewRunCmd(deps, flags))
	rootCmd.AddCommand(NewConfigCmd(deps, flags))
	rootCmd.AddCommand(NewWorkerCmd(deps, flags))

	return rootCmd
}

func (f *globalFlags) loadOptions() config.LoadOptions {
	return config.LoadOptions{EnvFile: f.envFile, ConfigFile: f.configFile}
}

// newLogger builds the slog logger for the given flags.
func newLogger(w io.Writer, f *globalFlags) (*slog.Logger, error) {
	level := slog.LevelInfo
	if f.debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(f.logFormat) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want json or text)", f.logFormat)
	}
}

// DefaultDependencies returns the dependencies of a real process.
func DefaultDependencies() *Dependencies {
	return &Dependencies{
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		StatusOut: func() io.WriteCloser { return os.NewFile(supervisor.StatusFD, "status") },
	}
}
