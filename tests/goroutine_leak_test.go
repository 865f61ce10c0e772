// Package tests holds cross-package integration checks that don't belong to
// any single internal package.
package tests

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"cdn-log-anonymizer/internal/app"
	"cdn-log-anonymizer/internal/config"
	"cdn-log-anonymizer/pkg/compression"
)

func writeArchive(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	bw, err := compression.NewBzip2WriteCloser(f)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range lines {
		if _, err := bw.Write([]byte(l + "\n")); err != nil {
			t.Fatal(err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}
}

func sampleLine() string {
	fields := []string{
		"89.204.153.53", "-", "-", "[30/Jul/2026:10:00:00", "-", `"GET /a/b.ts HTTP/1.1"`,
		"200", "1024", "-", "Mozilla/5.0", "-", "0.010", "50000", "-", "HIT", "-",
		"-", "text/plain", "-", "session=-,INT-4178154,-,-", "-", "-", "-", "c",
	}
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}

// TestNoGoroutineLeaks runs one supervisor through New/Start/Stop with the
// status server and backpressure monitor both enabled, and asserts none of
// their background goroutines survive Stop.
func TestNoGoroutineLeaks(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("github.com/fsnotify/fsnotify.*"),
		goleak.IgnoreTopFunction("github.com/sirupsen/logrus.*"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	dir := t.TempDir()
	source := filepath.Join(dir, "access.log.bz2")
	writeArchive(t, source, []string{sampleLine(), sampleLine()})

	configYAML := `
app:
  log_level: warn
  secrets_dir: ` + filepath.Join(dir, "secrets") + `
  output_dir: ` + filepath.Join(dir, "output") + `
pipeline:
  nproc: 1
  chunksize: 10
csv:
  column_layout: "24"
status:
  enabled: true
  addr: "127.0.0.1:0"
backpressure:
  enabled: true
`
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	secretsPath := filepath.Join(dir, "secrets.ini")
	if err := os.WriteFile(secretsPath, []byte("[secrets]\ntimeshiftdays = 90\nxyte = 1.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := app.New(config.CLIArgs{
		ConfigFile:  configPath,
		SecretsFile: secretsPath,
		LogFile:     source,
		CacheName:   "cache01",
		PopName:     "pop01",
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	if err := a.Run(); err != nil {
		t.Fatalf("a.Run: %v", err)
	}
}
