package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
)

// Double is an in-memory Launcher. Each launch yields a DoubleProcess whose
// output, input and exit are driven by the test.
type Double struct {
	mu       sync.Mutex
	launches []*DoubleProcess
	failNext error
	nextPid  int
}

var _ Launcher = (*Double)(nil)

// NewDouble creates a launcher double.
func NewDouble() *Double {
	return &Double{nextPid: 1000}
}

// FailNext makes the next Launch return err.
func (d *Double) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

// Launch implements Launcher.
func (d *Double) Launch(_ context.Context, argv []string) (Process, error) {
	d.mu.Lock()
	if err := d.failNext; err != nil {
		d.failNext = nil
		d.mu.Unlock()
		return nil, err
	}
	d.nextPid++
	p := newDoubleProcess(d.nextPid, argv)
	d.launches = append(d.launches, p)
	d.mu.Unlock()
	return p, nil
}

// Launches returns all processes launched so far, oldest first.
func (d *Double) Launches() []*DoubleProcess {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*DoubleProcess(nil), d.launches...)
}

// Last returns the most recent process or nil.
func (d *Double) Last() *DoubleProcess {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.launches) == 0 {
		return nil
	}
	return d.launches[len(d.launches)-1]
}

// DoubleProcess is a fake child. Writes to its stdout and stderr block until
// the supervisor has read them.
type DoubleProcess struct {
	Argv []string

	pid     int
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	lines   chan string

	mu       sync.Mutex
	signals  []string
	stubborn bool
	exited   chan struct{}
	code     int
	once     sync.Once
	// KillCode is the exit code reported after Terminate or Kill.
	KillCode int
}

func newDoubleProcess(pid int, argv []string) *DoubleProcess {
	p := &DoubleProcess{
		Argv:     append([]string(nil), argv...),
		pid:      pid,
		lines:    make(chan string, 64),
		exited:   make(chan struct{}),
		KillCode: -1,
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.readStdin()
	return p
}

func (p *DoubleProcess) readStdin() {
	defer close(p.lines)
	sc := bufio.NewScanner(p.stdinR)
	for sc.Scan() {
		p.lines <- sc.Text()
	}
}

func (p *DoubleProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *DoubleProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *DoubleProcess) Stderr() io.Reader     { return p.stderrR }
func (p *DoubleProcess) Pid() int              { return p.pid }

func (p *DoubleProcess) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *DoubleProcess) Terminate() error {
	p.record("TERM")
	p.mu.Lock()
	stubborn := p.stubborn
	p.mu.Unlock()
	if !stubborn {
		p.Exit(p.KillCode)
	}
	return nil
}

// IgnoreTerminate makes the process survive Terminate, so only Kill ends it.
func (p *DoubleProcess) IgnoreTerminate() {
	p.mu.Lock()
	p.stubborn = true
	p.mu.Unlock()
}

func (p *DoubleProcess) Interrupt() error {
	p.record("INT")
	return nil
}

func (p *DoubleProcess) Kill() error {
	p.record("KILL")
	p.Exit(p.KillCode)
	return nil
}

func (p *DoubleProcess) record(sig string) {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
}

// Signals returns the signals delivered so far.
func (p *DoubleProcess) Signals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...)
}

// WriteStdout emits s on the child's stdout.
func (p *DoubleProcess) WriteStdout(s string) error {
	_, err := io.WriteString(p.stdoutW, s)
	return err
}

// WriteStderr emits s on the child's stderr.
func (p *DoubleProcess) WriteStderr(s string) error {
	_, err := io.WriteString(p.stderrW, s)
	return err
}

// Lines delivers each newline-terminated line written to stdin.
func (p *DoubleProcess) Lines() <-chan string { return p.lines }

// Exit ends the process with code. Later calls are ignored.
func (p *DoubleProcess) Exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.CloseWithError(errors.New("process exited"))
		close(p.exited)
	})
}

// Exited reports whether Exit has been called.
func (p *DoubleProcess) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}
