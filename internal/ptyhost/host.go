// Package ptyhost spawns a child process attached to a pseudoterminal and
// exposes its raw byte stream, exit record, and a sideband channel for
// out-of-band "session events" (agent hook notifications) delivered by a
// hook relay process (spec §2, "PTY Host").
//
// The shape is adapted directly from h2's virtualterminal.VT: a creack/pty
// child plus a read-pump goroutine. Harness drops h2's midterm-backed
// screen buffer from the hot path (rendering is an out-of-scope TUI
// concern) and keeps only the raw byte emission the broker needs, with
// midterm retained as an optional scrollback capture sink (see
// internal/ptyhost/scrollback.go).
package ptyhost

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Chunk is one read from the PTY master.
type Chunk struct {
	Data []byte
	At   time.Time
}

// Exit describes how the child process terminated.
type Exit struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"-"`
}

// NotifyEvent is a sideband hook payload delivered out-of-band by a hook
// relay (the `harness handle-hook` command), not by the PTY byte stream.
type NotifyEvent struct {
	HookEventName string
	Payload       []byte
	At            time.Time
}

// Host owns one child process's PTY lifecycle.
type Host struct {
	cmd *exec.Cmd
	ptm *os.File

	mu       sync.Mutex
	exited   bool
	lastExit *Exit

	Output chan Chunk
	Exited chan Exit
	Notify chan NotifyEvent
}

// StartOpts configure the child process.
type StartOpts struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string // merged over the inherited environment
	Rows    int
	Cols    int
}

// Start spawns the child process inside a new pseudoterminal sized
// rows×cols and begins pumping its output.
func Start(opts StartOpts) (*Host, error) {
	if opts.Command == "" {
		return nil, errors.New("ptyhost: command is required")
	}
	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	h := &Host{
		cmd:    cmd,
		ptm:    ptm,
		Output: make(chan Chunk, 64),
		Exited: make(chan Exit, 1),
		Notify: make(chan NotifyEvent, 16),
	}
	go h.pump()
	return h, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, e := range base {
		key := e
		if idx := strings.IndexByte(e, '='); idx >= 0 {
			key = e[:idx]
		}
		if _, override := overrides[key]; !override {
			out = append(out, e)
		}
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// pump reads PTY output until EOF, then waits on the child and emits
// exactly one Exit — even if a later error arrives on the same reader
// (spec §4.3, "Session-exit coalescing").
func (h *Host) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case h.Output <- Chunk{Data: chunk, At: time.Now()}:
			default:
				// Backpressure: the broker must keep up with the PTY.
				// Block instead of dropping raw output, which would
				// silently corrupt the byte cursor sequence.
				h.Output <- Chunk{Data: chunk, At: time.Now()}
			}
		}
		if err != nil {
			h.finish()
			return
		}
	}
}

func (h *Host) finish() {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.mu.Unlock()

	exit := Exit{At: time.Now()}
	if h.cmd.ProcessState != nil {
		exit.Code = h.cmd.ProcessState.ExitCode()
	} else if err := h.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exit.Code = exitErr.ExitCode()
		} else {
			exit.Code = -1
		}
	}

	h.mu.Lock()
	h.lastExit = &exit
	h.mu.Unlock()

	h.Exited <- exit
	close(h.Exited)
}

// ErrWriteTimeout is returned by WriteTimeout when a hung child leaves its
// PTY read buffer full and the write cannot complete within the deadline.
var ErrWriteTimeout = errors.New("ptyhost: write timed out")

// Write sends bytes to the child's stdin with no deadline; prefer
// WriteTimeout from the broker's input path, where a hung child must not
// be allowed to stall the caller indefinitely.
func (h *Host) Write(p []byte) (int, error) {
	return h.ptm.Write(p)
}

// WriteTimeout writes to the PTY master, giving up after timeout if the
// kernel buffer is full because the child isn't reading its stdin.
func (h *Host) WriteTimeout(p []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := h.ptm.Write(p)
		ch <- result{n, err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-timer.C:
		return 0, ErrWriteTimeout
	}
}

// Resize adjusts the PTY window size in response to a pty.resize command.
func (h *Host) Resize(rows, cols int) error {
	return pty.Setsize(h.ptm, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// DeliverNotify feeds a sideband hook event into the host, as forwarded by
// a hook relay process. Dropped (non-blocking) once the child has exited,
// matching the "further errors are dropped" rule in spec §4.3.
func (h *Host) DeliverNotify(hookEventName string, payload []byte) {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return
	}
	select {
	case h.Notify <- NotifyEvent{HookEventName: hookEventName, Payload: payload, At: time.Now()}:
	default:
	}
}

// Signal delivers interrupt/eof/terminate to the child.
func (h *Host) Signal(kind string) error {
	switch kind {
	case "interrupt":
		_, err := h.Write([]byte{0x03})
		return err
	case "eof":
		_, err := h.Write([]byte{0x04})
		return err
	case "terminate":
		if h.cmd.Process == nil {
			return errors.New("ptyhost: process not started")
		}
		return h.cmd.Process.Kill()
	default:
		return fmt.Errorf("ptyhost: unknown signal %q", kind)
	}
}

// Close releases the PTY master. It does not kill the child; callers that
// want termination should send a "terminate" Signal first.
func (h *Host) Close() error {
	return h.ptm.Close()
}

// LastExit returns the most recent Exit, if the child has exited.
func (h *Host) LastExit() (Exit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastExit == nil {
		return Exit{}, false
	}
	return *h.lastExit, true
}
