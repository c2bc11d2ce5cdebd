package session

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// process wraps one child process: merged stdout+stderr readable through a
// single pipe, a guarded stdin writer, and termination primitives.
type process struct {
	cmd    *exec.Cmd
	stdin  *stdinWriter
	output *os.File // read end of the merged stdout+stderr pipe

	waitOnce sync.Once
	exitCode int
	done     chan struct{} // closed once Wait has reaped the process
}

// stdinWriter wraps a pipe writer with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// spawn starts command in dir with extraEnv appended to the inherited
// environment. Arguments are passed as literal tokens; no shell is involved.
// Stdout and stderr share one pipe so fragments arrive in production order.
func spawn(command []string, dir string, extraEnv []string) (*process, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR

	outR, outW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		outR.Close()
		outW.Close()
		return nil, err
	}

	// Close the child's ends in this process so the output pipe reports EOF
	// once the child exits.
	stdinR.Close()
	outW.Close()

	return &process{
		cmd:    cmd,
		stdin:  &stdinWriter{writer: stdinW},
		output: outR,
		done:   make(chan struct{}),
	}, nil
}

// ReadOutput blocks until the next chunk of merged output is available and
// fills buf with it. Returns io.EOF once the stream closes.
func (p *process) ReadOutput(buf []byte) (int, error) {
	return p.output.Read(buf)
}

// WriteInput writes text to the child's stdin. os.Pipe writes are unbuffered,
// so the data reaches the child without an explicit flush.
func (p *process) WriteInput(text string) error {
	return p.stdin.Write([]byte(text))
}

// Alive reports whether the child is still running. Signal 0 probes the
// process without affecting it.
func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Terminate asks the child to exit with SIGTERM.
func (p *process) Terminate() {
	p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill forcibly ends the child with SIGKILL.
func (p *process) Kill() {
	p.cmd.Process.Kill()
}

// Wait blocks until the child has fully exited and returns its exit code.
// A child ended by a signal reports -1. Safe to call more than once.
func (p *process) Wait() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				p.exitCode = exitErr.ExitCode()
			} else {
				p.exitCode = -1
			}
		}
		p.stdin.Close()
		p.output.Close()
		close(p.done)
	})
	return p.exitCode
}

// Done is closed once the process has been reaped by Wait.
func (p *process) Done() <-chan struct{} {
	return p.done
}
