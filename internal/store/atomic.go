package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sentinel errors for ReadJSON. Callers distinguish a missing file from a
// corrupt one with errors.Is.
var (
	ErrNotFound  = errors.New("file not found")
	ErrMalformed = errors.New("malformed json")
)

const renameAttempts = 5

// WriteJSON writes v to path atomically: serialize to a uniquely named temp
// file in the same directory, fsync, then rename over the target. The rename
// is retried with backoff because some platforms transiently hold a sharing
// lock on the target. The temp file is removed on every failure path.
func WriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp_*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < renameAttempts; attempt++ {
		if lastErr = os.Rename(tmpPath, path); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	cleanup()
	return fmt.Errorf("renaming over %s: %w", path, lastErr)
}

// ReadJSON reads path and unmarshals it into v. A missing file yields an
// error wrapping ErrNotFound; invalid JSON yields one wrapping ErrMalformed.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, ErrMalformed)
	}
	return nil
}
