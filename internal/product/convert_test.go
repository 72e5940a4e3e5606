package product

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeScript installs a small shell converter for the tests.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell converter tests need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "convert.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommandDecoder(t *testing.T) {
	product := filepath.Join(t.TempDir(), "scan.h5")
	if err := os.WriteFile(product, []byte{0, 69, 70, 120, 255, 200, 10, 255}, 0o644); err != nil {
		t.Fatal(err)
	}
	script := writeScript(t, `cat "$1"`)
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	d := CommandDecoder{Command: script, Spec: testSpec()}
	grid, err := d.Decode(product, ts)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if grid.Width != 4 || grid.Height != 2 {
		t.Errorf("grid is %dx%d, want 4x2", grid.Width, grid.Height)
	}
	if !grid.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", grid.Timestamp, ts)
	}
	if grid.Data[3] != 120 {
		t.Errorf("Data[3] = %v, want 120", grid.Data[3])
	}
}

func TestCommandDecoderReportsStderr(t *testing.T) {
	script := writeScript(t, `echo "no such dataset" >&2; exit 3`)
	d := CommandDecoder{Command: script, Spec: testSpec()}
	_, err := d.Decode("scan.h5", time.Now())
	if err == nil {
		t.Fatal("expected error from failing converter")
	}
	if !strings.Contains(err.Error(), "no such dataset") {
		t.Errorf("error %q should carry converter stderr", err)
	}
}

func TestCommandDecoderMissingCommand(t *testing.T) {
	d := CommandDecoder{Command: filepath.Join(t.TempDir(), "nope"), Spec: testSpec()}
	if _, err := d.Decode("scan.h5", time.Now()); err == nil {
		t.Error("expected error for missing converter command")
	}
}

func TestCommandDecoderRejectsBadOutput(t *testing.T) {
	script := writeScript(t, `printf 'abc'`)
	d := CommandDecoder{Command: script, Spec: testSpec()}
	if _, err := d.Decode("scan.h5", time.Now()); err == nil {
		t.Error("expected error for truncated converter output")
	}
}
