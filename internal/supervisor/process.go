package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/e7canasta/dronecam/internal/config"
	"github.com/e7canasta/dronecam/internal/ipc"
	"github.com/e7canasta/dronecam/internal/status"
	"github.com/e7canasta/dronecam/internal/worker"
)

// Process is a running worker process owned by the supervisor.
type Process interface {
	Kind() worker.Kind
	Pid() int

	// RequestStop asks the worker to finish gracefully.
	RequestStop()

	// Kill terminates the worker immediately.
	Kill() error

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// ExitCode is valid after Done; -1 when terminated by a signal.
	ExitCode() int
}

// Spawner starts worker processes. Status messages from the worker are
// delivered into inbox.
type Spawner interface {
	Spawn(kind worker.Kind, cfg *config.Config, inbox *status.Inbox) (Process, error)
}

// StatusFD is the file descriptor on which a worker finds its status pipe.
const StatusFD = 3

// ExecSpawner re-executes a binary (by default the running one) as
// "worker <kind>". The child gets the configuration snapshot as one IPC frame
// on stdin, which then stays open: EOF on stdin is the graceful stop request.
type ExecSpawner struct {
	// Path defaults to os.Executable().
	Path string

	// Args builds the argument list; defaults to {"worker", kind}.
	Args func(kind worker.Kind) []string

	// Env is appended to the supervisor environment.
	Env []string
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(kind worker.Kind, cfg *config.Config, inbox *status.Inbox) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = exe
	}
	args := []string{"worker", string(kind)}
	if s.Args != nil {
		args = s.Args(kind)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = os.Stderr
	// Own process group: terminal signals reach only the supervisor.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create status pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{statusW}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		statusR.Close()
		statusW.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		statusR.Close()
		statusW.Close()
		return nil, fmt.Errorf("failed to start %s worker: %w", kind, err)
	}
	// Only the child holds the write end now, so the reader sees EOF on exit.
	statusW.Close()

	p := &execProcess{
		kind:  kind,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}

	go func() {
		defer statusR.Close()
		inbox.ReadFrom(statusR, string(kind))
	}()
	go p.wait()

	if err := ipc.WriteFrame(stdin, cfg); err != nil {
		p.Kill()
		<-p.done
		return nil, fmt.Errorf("failed to send configuration to %s worker: %w", kind, err)
	}

	slog.Info("worker process started", "worker", kind, "pid", cmd.Process.Pid)
	return p, nil
}

type execProcess struct {
	kind  worker.Kind
	cmd   *exec.Cmd
	stdin io.WriteCloser

	stopOnce sync.Once
	done     chan struct{}
	exitCode int
}

func (p *execProcess) Kind() worker.Kind { return p.kind }
func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }

func (p *execProcess) RequestStop() {
	p.stopOnce.Do(func() {
		if err := p.stdin.Close(); err != nil {
			slog.Debug("closing worker stdin failed", "worker", p.kind, "error", err)
		}
	})
}

// Kill sends SIGKILL to the whole process group.
func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) ExitCode() int         { return p.exitCode }

func (p *execProcess) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		slog.Error("waiting for worker failed", "worker", p.kind, "error", err)
	}
}
