package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running child with its three standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the child exits and returns its exit code. A child
	// killed by a signal reports -1.
	Wait() (int, error)

	Terminate() error
	Interrupt() error
	Kill() error
	Pid() int
}

// Launcher starts child processes.
type Launcher interface {
	Launch(ctx context.Context, argv []string) (Process, error)
}

// ExecLauncher starts real processes with os/exec. Each child is placed in
// its own process group so signals reach any grandchildren too.
type ExecLauncher struct {
	Dir string
	Env []string
}

var _ Launcher = (*ExecLauncher)(nil)

// Launch spawns argv with stdin, stdout and stderr connected to pipes.
func (l *ExecLauncher) Launch(ctx context.Context, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}
	binaryPath, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("interpreter %q not found: %w", argv[0], err)
	}

	cmd := exec.Command(binaryPath, argv[1:]...)
	cmd.Dir = l.Dir
	if l.Env != nil {
		cmd.Env = l.Env
	}
	setProcessGroup(cmd)

	// Plain os.Pipe ends rather than cmd.StdoutPipe so that Wait returns as
	// soon as the child exits, independently of the readers.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := ctx.Err(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	return &execProcess{cmd: cmd, stdin: stdinW, stdout: stdoutR, stderr: stderrR}, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *execProcess) Terminate() error { return signalTerminate(p.cmd) }
func (p *execProcess) Interrupt() error { return signalInterrupt(p.cmd) }
func (p *execProcess) Kill() error      { return signalKill(p.cmd) }
