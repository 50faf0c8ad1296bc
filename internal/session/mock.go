package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	mockPID          = 99999
	mockWelcome      = "Welcome to Copilot Terminal (Mock Mode)\r\n$ "
	mockEchoInterval = 100 * time.Millisecond
)

// mockPty stands in for the real PTY where spawning a child is not
// wanted: it prints a welcome banner and echoes input back with a shell
// prompt. Used under MOCK_PTY and throughout the tests.
type mockPty struct {
	sessionID string
	onOutput  OutputFunc
	onExit    ExitFunc
	log       *slog.Logger

	mu           sync.Mutex
	running      bool
	pid          *int
	exitCode     *int
	suppressExit bool
	cols         int
	rows         int
	inputBuf     []string

	stopCh   chan struct{}
	pumpDone chan struct{}
	exitOnce sync.Once
	stopOnce sync.Once
}

func newMockPty(sessionID string, cols, rows int, onOutput OutputFunc, onExit ExitFunc) *mockPty {
	return &mockPty{
		sessionID: sessionID,
		cols:      cols,
		rows:      rows,
		onOutput:  onOutput,
		onExit:    onExit,
		log:       slog.Default(),
		stopCh:    make(chan struct{}),
	}
}

func (p *mockPty) Spawn(exePath string) error {
	pid := mockPID
	p.mu.Lock()
	p.pid = &pid
	p.running = true
	p.mu.Unlock()
	p.log.Info("spawned mock PTY", "sessionId", p.sessionID, "copilotPath", exePath)
	return nil
}

func (p *mockPty) StartReadPump() {
	p.mu.Lock()
	if !p.running || p.pumpDone != nil {
		p.mu.Unlock()
		return
	}
	p.pumpDone = make(chan struct{})
	p.mu.Unlock()

	go p.echoPump()
}

func (p *mockPty) echoPump() {
	defer close(p.pumpDone)

	if p.onOutput != nil {
		p.onOutput(p.sessionID, mockWelcome)
	}

	ticker := time.NewTicker(mockEchoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			p.handleExit()
			return
		case <-ticker.C:
			p.mu.Lock()
			pending := p.inputBuf
			p.inputBuf = nil
			p.mu.Unlock()
			for _, in := range pending {
				if p.onOutput != nil {
					p.onOutput(p.sessionID, fmt.Sprintf("%s\r\n$ ", in))
				}
			}
		}
	}
}

func (p *mockPty) handleExit() {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.running = false
		code := p.exitCode
		suppressed := p.suppressExit
		p.mu.Unlock()
		if p.onExit != nil && !suppressed {
			p.onExit(p.sessionID, code)
		}
	})
}

func (p *mockPty) Write(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.inputBuf = append(p.inputBuf, data)
}

func (p *mockPty) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("pty is not running")
	}
	p.cols = cols
	p.rows = rows
	return nil
}

func (p *mockPty) Terminate() {
	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	if wasRunning {
		code := 0
		p.exitCode = &code
	}
	p.mu.Unlock()

	if wasRunning {
		close(p.stopCh)
	}
}

func (p *mockPty) Stop() {
	p.stopOnce.Do(func() {
		// Same contract as the real PTY: an explicit stop does not fire
		// the exit callback.
		p.mu.Lock()
		p.suppressExit = true
		p.mu.Unlock()

		p.Terminate()
		p.mu.Lock()
		pumpDone := p.pumpDone
		p.mu.Unlock()
		if pumpDone != nil {
			<-pumpDone
		} else {
			p.handleExit()
		}
	})
}

func (p *mockPty) PID() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *mockPty) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *mockPty) ExitCode() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *mockPty) Cols() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols
}

func (p *mockPty) Rows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows
}
