package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	l := Layout{Root: "/data"}
	if got := l.IndexPath(); got != filepath.Join("/data", "sessions", "index.json") {
		t.Fatalf("IndexPath = %s", got)
	}
	if got := l.MetaPath("s1"); got != filepath.Join("/data", "sessions", "s1", "meta.json") {
		t.Fatalf("MetaPath = %s", got)
	}
	if got := l.TranscriptPath("s1"); got != filepath.Join("/data", "sessions", "s1", "transcript.jsonl") {
		t.Fatalf("TranscriptPath = %s", got)
	}
	if got := l.WorkspaceDir("s1"); got != filepath.Join("/data", "sessions", "s1", "workspace") {
		t.Fatalf("WorkspaceDir = %s", got)
	}
}

func TestEnsureSessionDirs(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	ws, err := l.EnsureSessionDirs("s1")
	if err != nil {
		t.Fatalf("EnsureSessionDirs: %v", err)
	}
	if !filepath.IsAbs(ws) {
		t.Fatalf("workspace path should be absolute: %s", ws)
	}
	info, err := os.Stat(ws)
	if err != nil || !info.IsDir() {
		t.Fatalf("workspace dir not created: %v", err)
	}
}

func TestContainsWorkspace(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	ws, err := l.EnsureSessionDirs("s1")
	if err != nil {
		t.Fatal(err)
	}

	if !l.ContainsWorkspace(ws, "s1") {
		t.Fatal("workspace itself should be contained")
	}
	if !l.ContainsWorkspace(filepath.Join(ws, "sub", "file.txt"), "s1") {
		t.Fatal("nested path should be contained")
	}
	if l.ContainsWorkspace(l.SessionDir("s1"), "s1") {
		t.Fatal("session dir above workspace must not be contained")
	}
	if l.ContainsWorkspace(ws+"-evil", "s1") {
		t.Fatal("sibling with shared prefix must not be contained")
	}
}

func TestNowStampFormat(t *testing.T) {
	stamp := NowStamp()
	re := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)
	if !re.MatchString(stamp) {
		t.Fatalf("stamp %q does not match ISO-8601 ms layout", stamp)
	}
	if _, err := ParseStamp(stamp); err != nil {
		t.Fatalf("ParseStamp(%q): %v", stamp, err)
	}
}
