package bundle

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"howett.net/plist"
)

// stubToolchain answers by executable base name.
type stubToolchain struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]bool
	panics    map[string]bool
	encrypted map[string]bool
}

func (s *stubToolchain) record(op, path string) string {
	name := filepath.Base(path)
	s.mu.Lock()
	s.calls = append(s.calls, op+":"+name)
	s.mu.Unlock()
	return name
}

func (s *stubToolchain) run(op, path string) error {
	name := s.record(op, path)
	if s.panics[name] {
		panic("boom " + name)
	}
	if s.fail[name] {
		return errors.New(op + " failed")
	}
	return nil
}

func (s *stubToolchain) Fakesign(path string) error { return s.run("fakesign", path) }
func (s *stubToolchain) Thin(path string) error     { return s.run("thin", path) }

func (s *stubToolchain) IsEncrypted(path string) (bool, error) {
	name := s.record("encrypted", path)
	return s.encrypted[name], nil
}

// captureNotifier records every message.
type captureNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureNotifier) Notify(msg string) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

func (c *captureNotifier) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeBundle creates a bundle directory with an Info.plist naming exec and
// an executable file. extra is merged into the plist.
func writeBundle(t *testing.T, dir, exec string, extra map[string]interface{}) {
	t.Helper()

	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	info := map[string]interface{}{
		"CFBundleExecutable": exec,
		"CFBundleIdentifier": "com.example." + exec,
	}
	for k, v := range extra {
		info[k] = v
	}
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Info.plist"), data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, exec), []byte("binary"), 0755); err != nil {
		t.Fatal(err)
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
}

func openTestApp(t *testing.T, root string, tc Toolchain, n Notifier) *App {
	t.Helper()
	app, err := Open(root, WithToolchain(tc), WithNotifier(n), WithLogger(quietLogger()), WithWorkers(4))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return app
}
