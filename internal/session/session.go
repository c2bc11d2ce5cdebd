package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	defaultGracefulTimeout = 5 * time.Second
	readChunkSize          = 4096
)

// State represents the lifecycle state of the session's process slot.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateExited  State = "exited"
)

var (
	// ErrAlreadyRunning is returned by Start while a process is active.
	ErrAlreadyRunning = errors.New("a process is already running; stop it before starting another")
	// ErrNoProcess is returned by SendInput when nothing is running.
	ErrNoProcess = errors.New("no running process")
)

// Snapshot is one consistent view of the session: buffered output from a
// cursor onward together with the run state at the same instant.
type Snapshot struct {
	Cursor   int    `json:"cursor"`
	Output   string `json:"output"`
	Running  bool   `json:"running"`
	ExitCode *int   `json:"exit_code"`
	Dropped  bool   `json:"dropped"`
}

// Session supervises at most one child process at a time and accumulates its
// merged output in a cursor-addressable buffer. The buffer persists across
// runs: a new Start appends after the previous run's output.
type Session struct {
	mu       sync.Mutex
	buf      *Buffer
	state    State
	exitCode *int
	command  []string
	proc     *process
	grace    time.Duration

	subMu       sync.RWMutex
	subscribers map[string]chan struct{}
}

// New creates an idle session retaining at most capacity output fragments.
func New(capacity int) *Session {
	return &Session{
		buf:         NewBuffer(capacity),
		state:       StateIdle,
		grace:       defaultGracefulTimeout,
		subscribers: make(map[string]chan struct{}),
	}
}

// Start spawns command in dir and begins streaming its output into the
// buffer. Fails with ErrAlreadyRunning, leaving all state untouched, if a
// process is active.
func (s *Session) Start(command []string, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	proc, err := spawn(command, dir, []string{"PYTHONUNBUFFERED=1"})
	if err != nil {
		return fmt.Errorf("start %s: %w", command[0], err)
	}

	s.proc = proc
	s.state = StateRunning
	s.exitCode = nil
	s.command = append([]string(nil), command...)
	s.buf.Append("\n$ " + strings.Join(command, " ") + "\n\n")

	go s.streamOutput(proc)

	s.notify()
	return nil
}

// SendInput writes text plus a newline to the child's stdin and echoes it
// into the output buffer. A write failure is surfaced but does not change the
// session state; the process may still exit on its own and the stream reader
// will observe that.
func (s *Session) SendInput(text string) error {
	s.mu.Lock()
	proc := s.proc
	running := s.state == StateRunning && proc != nil
	s.mu.Unlock()

	if !running || !proc.Alive() {
		return ErrNoProcess
	}

	if err := proc.WriteInput(text + "\n"); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}

	s.buf.Append("\n> " + text + "\n")
	s.notify()
	return nil
}

// Stop asks a running process to exit with SIGTERM, force-kills it if it has
// not gone away within the grace period, and returns whether there was a
// process to stop. The transition to exited still happens asynchronously when
// the stream reader observes EOF.
func (s *Session) Stop() bool {
	s.mu.Lock()
	proc := s.proc
	running := s.state == StateRunning && proc != nil
	s.mu.Unlock()

	if !running || !proc.Alive() {
		return false
	}

	proc.Terminate()
	select {
	case <-proc.Done():
	case <-time.After(s.grace):
		proc.Kill()
	}
	return true
}

// IsRunning reports whether a process is active right now. The live poll
// guards against the window between process death and the stream reader
// noticing it.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	proc := s.proc
	running := s.state == StateRunning && proc != nil
	s.mu.Unlock()

	return running && proc.Alive()
}

// Command returns the command of the current or most recent run.
func (s *Session) Command() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.command...)
}

// OutputSince returns buffered output from cursor onward plus the run state,
// all captured under the session lock so the text is never paired with a
// state from a different instant.
func (s *Session) OutputSince(cursor int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	output, next, dropped := s.buf.ReadSince(cursor)
	return Snapshot{
		Cursor:   next,
		Output:   output,
		Running:  s.state == StateRunning && s.proc != nil && s.proc.Alive(),
		ExitCode: s.exitCode,
		Dropped:  dropped,
	}
}

// Subscribe registers a notification channel pulsed whenever new output is
// appended or the process exits. The channel carries no data; receivers call
// OutputSince with their own cursor to pick up what changed.
func (s *Session) Subscribe() (string, <-chan struct{}) {
	id := uuid.New().String()
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	s.subscribers[id] = ch
	s.subMu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber.
func (s *Session) Unsubscribe(id string) {
	s.subMu.Lock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()
}

// Shutdown stops any active process. Used on server exit.
func (s *Session) Shutdown() {
	s.Stop()
}

// notify pulses all subscriber channels without blocking.
func (s *Session) notify() {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// streamOutput drains the child's merged output into the buffer until the
// stream closes, then reaps the process and transitions the session to
// exited. Runs as a goroutine per active process.
func (s *Session) streamOutput(proc *process) {
	var pending []byte
	chunk := make([]byte, readChunkSize)

	for {
		n, err := proc.ReadOutput(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			complete, rest := splitIncompleteRune(pending)
			if len(complete) > 0 {
				s.buf.Append(decodeChunk(complete))
				s.notify()
			}
			pending = append(pending[:0], rest...)
		}
		if err != nil {
			break
		}
	}

	// Whatever is left can only be a truncated sequence; decode it with
	// replacement so nothing observed is silently lost.
	if len(pending) > 0 {
		s.buf.Append(decodeChunk(pending))
	}

	code := proc.Wait()

	s.mu.Lock()
	s.state = StateExited
	s.exitCode = &code
	s.proc = nil
	s.buf.Append(fmt.Sprintf("\n\n[Process exited with code %d]\n", code))
	s.mu.Unlock()

	s.notify()
}

// decodeChunk interprets raw bytes as UTF-8 text, substituting the
// replacement character for anything undecodable. A bad chunk never stops
// the stream reader.
func decodeChunk(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// splitIncompleteRune splits b so that complete never ends in the middle of a
// UTF-8 sequence; rest holds the trailing bytes of a rune still being read.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return b, nil
			}
			return b[:i], b[i:]
		}
	}
	return b, nil
}
