package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// OutputFunc receives PTY output chunks as (sessionId, data).
type OutputFunc func(sessionID, data string)

// ExitFunc receives the exit notification; exitCode is nil when the code
// could not be determined.
type ExitFunc func(sessionID string, exitCode *int)

// Pty is the narrow contract for one child process behind a
// pseudoterminal. Implementations must invoke the exit callback at most
// once per lifetime.
type Pty interface {
	// Spawn launches the executable with the workspace as CWD and the
	// initial dimensions. An executable that cannot be found yields an
	// error whose message starts with "Executable not found:".
	Spawn(exePath string) error
	// StartReadPump starts the single reader goroutine.
	StartReadPump()
	// Write sends raw bytes to the terminal. Writes to a non-running
	// PTY are logged and dropped.
	Write(data string)
	// Resize changes the terminal dimensions.
	Resize(cols, rows int) error
	// Terminate forcibly ends the child if still alive. Idempotent.
	Terminate()
	// Stop is the composite shutdown: terminate, join the read pump,
	// release the terminal handle. The exit callback does not fire on an
	// explicit stop; callers read ExitCode themselves. Idempotent.
	Stop()

	PID() *int
	IsRunning() bool
	ExitCode() *int
	Cols() int
	Rows() int
}

// New returns the PTY implementation selected by mock: the real
// pseudoterminal wrapper, or the echoing mock used where no PTY is
// available.
func New(sessionID, workspacePath string, cols, rows int, onOutput OutputFunc, onExit ExitFunc, mock bool) Pty {
	if mock {
		return newMockPty(sessionID, cols, rows, onOutput, onExit)
	}
	return &ptyProcess{
		sessionID:     sessionID,
		workspacePath: workspacePath,
		cols:          cols,
		rows:          rows,
		onOutput:      onOutput,
		onExit:        onExit,
		log:           slog.Default(),
	}
}

const (
	readChunkSize = 4096
	emptyReadWait = 10 * time.Millisecond
)

type ptyProcess struct {
	sessionID     string
	workspacePath string
	onOutput      OutputFunc
	onExit        ExitFunc
	log           *slog.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	ptmx         *os.File
	pid          *int
	running      bool
	exitCode     *int
	suppressExit bool
	cols         int
	rows         int

	pumpDone chan struct{}
	exitOnce sync.Once
	stopOnce sync.Once
}

func (p *ptyProcess) Spawn(exePath string) error {
	if err := os.MkdirAll(p.workspacePath, 0o755); err != nil {
		return fmt.Errorf("Failed to spawn PTY: %v", err)
	}

	resolved, err := resolveExecutable(exePath)
	if err != nil {
		return fmt.Errorf("Executable not found: %s", exePath)
	}

	cmd := exec.Command(resolved)
	cmd.Dir = p.workspacePath

	p.mu.Lock()
	defer p.mu.Unlock()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(p.cols),
		Rows: uint16(p.rows),
	})
	if err != nil {
		return fmt.Errorf("Failed to spawn PTY: %v", err)
	}

	pid := cmd.Process.Pid
	p.cmd = cmd
	p.ptmx = ptmx
	p.pid = &pid
	p.running = true

	p.log.Info("spawned PTY process",
		"sessionId", p.sessionID, "pid", pid, "copilotPath", exePath)
	return nil
}

// resolveExecutable stats absolute or relative paths directly and consults
// PATH for bare names.
func resolveExecutable(exePath string) (string, error) {
	if filepath.IsAbs(exePath) || strings.ContainsRune(exePath, os.PathSeparator) {
		if _, err := os.Stat(exePath); err != nil {
			return "", err
		}
		return exePath, nil
	}
	return exec.LookPath(exePath)
}

func (p *ptyProcess) StartReadPump() {
	p.mu.Lock()
	if p.ptmx == nil || !p.running || p.pumpDone != nil {
		p.mu.Unlock()
		return
	}
	p.pumpDone = make(chan struct{})
	ptmx := p.ptmx
	p.mu.Unlock()

	go p.readPump(ptmx)
}

func (p *ptyProcess) readPump(ptmx *os.File) {
	defer close(p.pumpDone)

	buf := make([]byte, readChunkSize)
	var pending []byte // incomplete UTF-8 tail held back from the last read
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			pending = nil

			// Hold back a trailing partial rune so it is not mangled
			// when the chunk is stringified.
			if tail := incompleteUTF8Tail(chunk); tail > 0 {
				pending = append([]byte(nil), chunk[len(chunk)-tail:]...)
				chunk = chunk[:len(chunk)-tail]
			}
			if len(chunk) > 0 && p.onOutput != nil {
				p.onOutput(p.sessionID, string(chunk))
			}
		} else if err == nil {
			time.Sleep(emptyReadWait)
			continue
		}
		if err != nil {
			if len(pending) > 0 && p.onOutput != nil {
				p.onOutput(p.sessionID, string(pending))
			}
			if !errors.Is(err, io.EOF) && !isEIO(err) {
				p.log.Error("PTY read error", "sessionId", p.sessionID, "err", err)
			}
			break
		}
	}

	p.handleExit()
}

// handleExit latches the exit code and fires the exit callback exactly once.
func (p *ptyProcess) handleExit() {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		cmd := p.cmd
		p.running = false
		p.mu.Unlock()

		var code *int
		if cmd != nil {
			_ = cmd.Wait()
			if cmd.ProcessState != nil {
				if c := cmd.ProcessState.ExitCode(); c >= 0 {
					code = &c
				}
			}
		}

		p.mu.Lock()
		p.exitCode = code
		suppressed := p.suppressExit
		p.mu.Unlock()

		p.log.Info("PTY process exited", "sessionId", p.sessionID, "exitCode", ptrOrNil(code))

		if p.onExit != nil && !suppressed {
			p.onExit(p.sessionID, code)
		}
	})
}

func (p *ptyProcess) Write(data string) {
	p.mu.Lock()
	ptmx, running := p.ptmx, p.running
	p.mu.Unlock()

	if ptmx == nil || !running {
		p.log.Warn("attempted write to non-running PTY", "sessionId", p.sessionID)
		return
	}
	if _, err := ptmx.Write([]byte(data)); err != nil {
		p.log.Error("PTY write error", "sessionId", p.sessionID, "err", err)
	}
}

func (p *ptyProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ptmx == nil || !p.running {
		return fmt.Errorf("pty is not running")
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		p.log.Error("PTY resize error", "sessionId", p.sessionID, "err", err)
		return err
	}
	p.cols = cols
	p.rows = rows
	p.log.Debug("PTY resized", "sessionId", p.sessionID, "cols", cols, "rows", rows)
	return nil
}

func (p *ptyProcess) Terminate() {
	p.mu.Lock()
	cmd := p.cmd
	wasRunning := p.running
	p.running = false
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil && wasRunning {
		_ = cmd.Process.Kill()
		p.log.Info("PTY process terminated", "sessionId", p.sessionID)
	}
}

func (p *ptyProcess) Stop() {
	p.stopOnce.Do(func() {
		// An explicit stop reports the exit through its caller, not the
		// trampoline; the exit code is still latched for the caller to read.
		p.mu.Lock()
		p.suppressExit = true
		p.mu.Unlock()

		p.Terminate()

		p.mu.Lock()
		ptmx := p.ptmx
		pumpDone := p.pumpDone
		p.ptmx = nil
		p.mu.Unlock()

		// Closing the master unblocks the reader.
		if ptmx != nil {
			_ = ptmx.Close()
		}
		if pumpDone != nil {
			<-pumpDone
		} else {
			// Pump never started; latch the exit directly.
			p.handleExit()
		}
	})
}

func (p *ptyProcess) PID() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *ptyProcess) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *ptyProcess) ExitCode() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *ptyProcess) Cols() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols
}

func (p *ptyProcess) Rows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows
}

// incompleteUTF8Tail returns how many bytes at the end of b form the start
// of an unfinished UTF-8 sequence (0 when b ends on a rune boundary).
func incompleteUTF8Tail(b []byte) int {
	for i := 1; i <= 4 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c&0x80 == 0 {
			return 0 // ASCII boundary
		}
		if c&0xC0 == 0xC0 {
			// Lead byte: complete if the sequence it starts fits.
			var want int
			switch {
			case c&0xE0 == 0xC0:
				want = 2
			case c&0xF0 == 0xE0:
				want = 3
			case c&0xF8 == 0xF0:
				want = 4
			default:
				return 0 // invalid lead, let the decoder handle it
			}
			if i < want {
				return i
			}
			return 0
		}
	}
	return 0
}

// isEIO reports whether err is the EIO a Linux PTY master returns once the
// slave side has been closed.
func isEIO(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno == syscall.EIO
		}
	}
	return false
}

func ptrOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
