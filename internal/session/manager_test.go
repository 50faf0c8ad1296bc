package session

import (
	"strings"
	"testing"
	"time"

	"github.com/carouselsh/carousel/internal/config"
	"github.com/carouselsh/carousel/internal/protocol"
	"github.com/carouselsh/carousel/internal/store"
)

func newTestManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	cfg := &config.Config{
		DataDir:                 t.TempDir(),
		CopilotPath:             "copilot.exe",
		MaxSessions:             maxSessions,
		InitialCols:             120,
		InitialRows:             30,
		MinCols:                 20,
		MaxCols:                 300,
		MinRows:                 5,
		MaxRows:                 120,
		MaxInputCharsPerMessage: 16384,
		MockPty:                 true,
	}
	layout := store.Layout{Root: cfg.DataDir}
	transcript := store.NewTranscriptStore(layout, nil)
	t.Cleanup(transcript.Close)

	mgr := NewManager(cfg, layout, store.NewIndexStore(layout), store.NewMetaStore(layout), transcript, nil)
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func TestCreateSession(t *testing.T) {
	mgr := newTestManager(t, 10)
	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatalf("CreateSession: %v", opErr)
	}
	if !sess.Pty.IsRunning() {
		t.Fatal("new session should be running")
	}
	if pid := sess.Pty.PID(); pid == nil || *pid != mockPID {
		t.Fatalf("mock pid = %v, want %d", pid, mockPID)
	}

	if got := mgr.GetSession(sess.ID); got != sess {
		t.Fatal("session not registered in table")
	}

	meta, err := mgr.meta.Load(sess.ID)
	if err != nil || meta == nil {
		t.Fatalf("meta not persisted: %v", err)
	}
	if meta.Status != store.StatusRunning {
		t.Fatalf("meta status = %s", meta.Status)
	}
	if meta.Cols != 120 || meta.Rows != 30 {
		t.Fatalf("meta dims = %dx%d", meta.Cols, meta.Rows)
	}

	entry, err := mgr.index.GetSession(sess.ID)
	if err != nil || entry == nil {
		t.Fatalf("index entry missing: %v", err)
	}
	if entry.Status != store.StatusRunning {
		t.Fatalf("index status = %s", entry.Status)
	}
}

func TestCreateSessionMaxReached(t *testing.T) {
	mgr := newTestManager(t, 2)
	for i := 0; i < 2; i++ {
		if _, opErr := mgr.CreateSession("", "", nil); opErr != nil {
			t.Fatalf("create %d: %v", i, opErr)
		}
	}

	_, opErr := mgr.CreateSession("", "", nil)
	if opErr == nil || opErr.Code != protocol.CodeMaxSessionsReached {
		t.Fatalf("want MAX_SESSIONS_REACHED, got %v", opErr)
	}
	if opErr.Message != "Maximum running sessions (2) reached." {
		t.Fatalf("unexpected message: %s", opErr.Message)
	}
}

func TestTerminateFreesSlot(t *testing.T) {
	mgr := newTestManager(t, 1)
	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}
	if _, opErr := mgr.TerminateSession(sess.ID); opErr != nil {
		t.Fatal(opErr)
	}

	// Only running sessions count against the cap.
	if _, opErr := mgr.CreateSession("", "", nil); opErr != nil {
		t.Fatalf("slot not freed after terminate: %v", opErr)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	mgr := newTestManager(t, 10)
	_, opErr := mgr.AttachSession("12345678-1234-1234-1234-123456789abc", "c1")
	if opErr == nil || opErr.Code != protocol.CodeSessionNotFound {
		t.Fatalf("want SESSION_NOT_FOUND, got %v", opErr)
	}
	if !strings.HasPrefix(opErr.Message, "Session does not exist:") {
		t.Fatalf("unexpected message: %s", opErr.Message)
	}
}

func TestAttachDetach(t *testing.T) {
	mgr := newTestManager(t, 10)
	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}

	if _, opErr := mgr.AttachSession(sess.ID, "c1"); opErr != nil {
		t.Fatal(opErr)
	}
	if _, ok := sess.attached["c1"]; !ok {
		t.Fatal("client not in attached set")
	}

	mgr.DetachSession(sess.ID, "c1")
	if _, ok := sess.attached["c1"]; ok {
		t.Fatal("client still attached after detach")
	}

	// Unknown ids are safe no-ops.
	mgr.DetachSession("ghost", "c1")
	mgr.DetachAllSessions("c1")
}

func TestTerminateSession(t *testing.T) {
	mgr := newTestManager(t, 10)
	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}

	exitCode, opErr := mgr.TerminateSession(sess.ID)
	if opErr != nil {
		t.Fatalf("TerminateSession: %v", opErr)
	}
	if exitCode == nil || *exitCode != 0 {
		t.Fatalf("mock exit code = %v, want 0", exitCode)
	}
	if sess.Pty.IsRunning() {
		t.Fatal("session still running after terminate")
	}

	meta, _ := mgr.meta.Load(sess.ID)
	if meta.Status != store.StatusExited {
		t.Fatalf("meta status = %s, want exited", meta.Status)
	}
	entry, _ := mgr.index.GetSession(sess.ID)
	if entry.Status != store.StatusExited {
		t.Fatalf("index status = %s, want exited", entry.Status)
	}
}

func TestTerminateUnknownSession(t *testing.T) {
	mgr := newTestManager(t, 10)
	_, opErr := mgr.TerminateSession("ghost-id")
	if opErr == nil || opErr.Code != protocol.CodeSessionNotFound {
		t.Fatalf("want SESSION_NOT_FOUND, got %v", opErr)
	}
}

func TestRenameSession(t *testing.T) {
	mgr := newTestManager(t, 10)
	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}

	if opErr := mgr.RenameSession(sess.ID, "debug shell"); opErr != nil {
		t.Fatalf("RenameSession: %v", opErr)
	}
	entry, _ := mgr.index.GetSession(sess.ID)
	if entry.Name == nil || *entry.Name != "debug shell" {
		t.Fatalf("name not persisted: %+v", entry)
	}

	// The name lives in the index only.
	meta, _ := mgr.meta.Load(sess.ID)
	if meta == nil {
		t.Fatal("meta missing")
	}

	opErr = mgr.RenameSession("ghost-id", "x")
	if opErr == nil || opErr.Code != protocol.CodeSessionNotFound {
		t.Fatalf("want SESSION_NOT_FOUND, got %v", opErr)
	}
	if !strings.HasPrefix(opErr.Message, "Session not found:") {
		t.Fatalf("unexpected message: %s", opErr.Message)
	}
}

func TestSendInputValidationOrder(t *testing.T) {
	mgr := newTestManager(t, 10)

	// Size is checked before existence.
	huge := strings.Repeat("a", 16385)
	opErr := mgr.SendInput("ghost-id", huge)
	if opErr == nil || opErr.Code != protocol.CodeInputTooLarge {
		t.Fatalf("want INPUT_TOO_LARGE, got %v", opErr)
	}
	if opErr.Message != "Input exceeds 16384 characters." {
		t.Fatalf("unexpected message: %s", opErr.Message)
	}

	opErr = mgr.SendInput("ghost-id", "hi")
	if opErr == nil || opErr.Code != protocol.CodeSessionNotFound {
		t.Fatalf("want SESSION_NOT_FOUND, got %v", opErr)
	}

	sess, opErr2 := mgr.CreateSession("", "", nil)
	if opErr2 != nil {
		t.Fatal(opErr2)
	}
	if _, opErr2 := mgr.TerminateSession(sess.ID); opErr2 != nil {
		t.Fatal(opErr2)
	}
	opErr = mgr.SendInput(sess.ID, "hi")
	if opErr == nil || opErr.Code != protocol.CodeSessionNotRunning {
		t.Fatalf("want SESSION_NOT_RUNNING, got %v", opErr)
	}
	if opErr.Message != "Session is not running" {
		t.Fatalf("unexpected message: %s", opErr.Message)
	}
}

func TestResizeSession(t *testing.T) {
	mgr := newTestManager(t, 10)
	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}

	opErr = mgr.ResizeSession(sess.ID, 10, 24)
	if opErr == nil || opErr.Code != protocol.CodeInvalidResize {
		t.Fatalf("want INVALID_RESIZE, got %v", opErr)
	}
	if opErr.Message != "cols must be 20-300 and rows must be 5-120." {
		t.Fatalf("unexpected message: %s", opErr.Message)
	}
	if sess.Pty.Cols() != 120 {
		t.Fatalf("cols changed on invalid resize: %d", sess.Pty.Cols())
	}

	if opErr := mgr.ResizeSession(sess.ID, 80, 24); opErr != nil {
		t.Fatalf("valid resize failed: %v", opErr)
	}
	if sess.Pty.Cols() != 80 || sess.Pty.Rows() != 24 {
		t.Fatalf("pty dims = %dx%d", sess.Pty.Cols(), sess.Pty.Rows())
	}
	meta, _ := mgr.meta.Load(sess.ID)
	if meta.Cols != 80 || meta.Rows != 24 {
		t.Fatalf("meta dims = %dx%d", meta.Cols, meta.Rows)
	}

	opErr = mgr.ResizeSession("ghost-id", 80, 24)
	if opErr == nil || opErr.Code != protocol.CodeSessionNotFound {
		t.Fatalf("want SESSION_NOT_FOUND, got %v", opErr)
	}
}

func TestMockEcho(t *testing.T) {
	mgr := newTestManager(t, 10)
	out := make(chan string, 64)
	mgr.SetOutputCallback("c1", func(sessionID, data string) {
		out <- data
	})

	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}
	if _, opErr := mgr.AttachSession(sess.ID, "c1"); opErr != nil {
		t.Fatal(opErr)
	}

	if opErr := mgr.SendInput(sess.ID, "hi"); opErr != nil {
		t.Fatal(opErr)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-out:
			if strings.HasSuffix(data, "hi\r\n$ ") {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for mock echo")
		}
	}
}

func TestExitPushedToAttachedClients(t *testing.T) {
	mgr := newTestManager(t, 10)
	exited := make(chan *int, 1)
	mgr.SetExitCallback("c1", func(sessionID string, exitCode *int) {
		exited <- exitCode
	})

	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}
	if _, opErr := mgr.AttachSession(sess.ID, "c1"); opErr != nil {
		t.Fatal(opErr)
	}

	// The child dying on its own drives the exit push.
	sess.Pty.Terminate()

	select {
	case code := <-exited:
		if code == nil || *code != 0 {
			t.Fatalf("exit code = %v, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback never fired")
	}
}

func TestTerminateDoesNotPushExit(t *testing.T) {
	mgr := newTestManager(t, 10)
	exited := make(chan *int, 1)
	mgr.SetExitCallback("c1", func(sessionID string, exitCode *int) {
		exited <- exitCode
	})

	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}
	if _, opErr := mgr.AttachSession(sess.ID, "c1"); opErr != nil {
		t.Fatal(opErr)
	}

	// An explicit terminate reports the exit through its reply alone.
	if _, opErr := mgr.TerminateSession(sess.ID); opErr != nil {
		t.Fatal(opErr)
	}

	select {
	case <-exited:
		t.Fatal("explicit terminate must not push session.exited")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTerminateWritesOnlyTerminatedLifecycle(t *testing.T) {
	mgr := newTestManager(t, 10)
	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}
	if _, opErr := mgr.TerminateSession(sess.ID); opErr != nil {
		t.Fatal(opErr)
	}

	events, err := mgr.transcript.ReadAll(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	var terminated, exited int
	for _, ev := range events {
		if ev.Type != "lifecycle" {
			continue
		}
		switch ev.Event {
		case store.LifecycleTerminated:
			terminated++
		case store.LifecycleExited:
			exited++
		}
	}
	if terminated != 1 {
		t.Fatalf("terminated lifecycle lines = %d, want 1", terminated)
	}
	if exited != 0 {
		t.Fatalf("explicit terminate wrote %d exited lifecycle lines, want 0", exited)
	}
}

func TestCreateDeliversWelcomeToCreator(t *testing.T) {
	mgr := newTestManager(t, 10)
	out := make(chan string, 16)
	mgr.SetOutputCallback("c1", func(sessionID, data string) {
		out <- data
	})

	sess, opErr := mgr.CreateSession("", "c1", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}
	if _, ok := sess.attached["c1"]; !ok {
		t.Fatal("creator not in attached set")
	}

	select {
	case data := <-out:
		if data != mockWelcome {
			t.Fatalf("first output = %q, want welcome banner", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("creator never received the welcome banner")
	}
}

func TestListSessions(t *testing.T) {
	mgr := newTestManager(t, 10)
	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}

	entries, opErr := mgr.ListSessions()
	if opErr != nil {
		t.Fatal(opErr)
	}
	if len(entries) != 1 || entries[0].SessionID != sess.ID {
		t.Fatalf("unexpected list: %+v", entries)
	}
}

func TestSessionInfo(t *testing.T) {
	mgr := newTestManager(t, 10)
	sess, opErr := mgr.CreateSession("", "", nil)
	if opErr != nil {
		t.Fatal(opErr)
	}

	info := sess.Info()
	if info.Status != store.StatusRunning {
		t.Fatalf("info status = %s", info.Status)
	}
	if info.PID == nil || *info.PID != mockPID {
		t.Fatalf("info pid = %v", info.PID)
	}
	if info.Cols != 120 || info.Rows != 30 {
		t.Fatalf("info dims = %dx%d", info.Cols, info.Rows)
	}
	if info.CopilotPath != "copilot.exe" {
		t.Fatalf("info copilotPath = %s", info.CopilotPath)
	}
}

func TestShutdown(t *testing.T) {
	mgr := newTestManager(t, 10)
	var ids []string
	for i := 0; i < 3; i++ {
		sess, opErr := mgr.CreateSession("", "", nil)
		if opErr != nil {
			t.Fatal(opErr)
		}
		ids = append(ids, sess.ID)
	}

	mgr.Shutdown()

	for _, id := range ids {
		if mgr.GetSession(id) != nil {
			t.Fatalf("session %s still in table after shutdown", id)
		}
		meta, _ := mgr.meta.Load(id)
		if meta.Status != store.StatusExited {
			t.Fatalf("session %s not exited after shutdown", id)
		}
	}
}
