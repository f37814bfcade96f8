package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFileLogger(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "append.log")
		if err := os.WriteFile(path, []byte("existing content\n"), 0644); err != nil {
			t.Fatal(err)
		}
		logger, err := NewFileLogger(path, 0, 0)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		fmt.Fprintf(logger, "server %s connected\n", "plant-ua")
		logger.Close()

		content, _ := os.ReadFile(path)
		if !strings.Contains(string(content), "existing content") {
			t.Error("existing content was overwritten")
		}
		if !strings.Contains(string(content), "server plant-ua connected") {
			t.Error("new content was not appended")
		}
	})

	t.Run("write after close is discarded", func(t *testing.T) {
		path := filepath.Join(tmpDir, "closed.log")
		logger, _ := NewFileLogger(path, 0, 0)
		logger.Close()

		n, err := logger.Write([]byte("late line\n"))
		if err != nil || n != len("late line\n") {
			t.Errorf("Write after close = %d, %v", n, err)
		}
		if err := logger.Close(); err != nil {
			t.Errorf("second Close failed: %v", err)
		}
		content, _ := os.ReadFile(path)
		if strings.Contains(string(content), "late line") {
			t.Error("wrote after close")
		}
	})

	t.Run("invalid path", func(t *testing.T) {
		if _, err := NewFileLogger("/nonexistent/directory/file.log", 0, 0); err == nil {
			t.Error("expected error for invalid path")
		}
	})

	t.Run("concurrent writers", func(t *testing.T) {
		path := filepath.Join(tmpDir, "concurrent.log")
		logger, _ := NewFileLogger(path, 0, 0)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				fmt.Fprintf(logger, "message %d\n", n)
			}(i)
		}
		wg.Wait()
		logger.Close()

		content, _ := os.ReadFile(path)
		lines := strings.Split(strings.TrimSpace(string(content)), "\n")
		if len(lines) != 50 {
			t.Errorf("expected 50 lines, got %d", len(lines))
		}
	})
}

func TestFileLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	logger, err := NewFileLogger(path, 20, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"first line ....\n", "second line ...\n", "third line ....\n", "fourth line ...\n"} {
		if _, err := logger.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	logger.Close()

	tests := []struct {
		name string
		want string
	}{
		{"app.log", "fourth line"},
		{"app.log.1", "third line"},
		{"app.log.2", "second line"},
	}
	for _, tt := range tests {
		content, err := os.ReadFile(filepath.Join(dir, tt.name))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !strings.Contains(string(content), tt.want) {
			t.Errorf("%s = %q, want %q", tt.name, content, tt.want)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "app.log.3")); !os.IsNotExist(err) {
		t.Error("only two backups should be kept")
	}
}

func TestDebugLoggerFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	dl, err := NewDebugLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	dl.SetFilter("opc, buffer")

	dl.Log("ua", "session created")
	dl.Log("subscription", "sequence gap")
	dl.Log("buffer", "evicted 3")
	dl.Log("kafka", "should be filtered")
	dl.LogTX("xmlda", []byte("<Read/>"))
	dl.Close()

	content, _ := os.ReadFile(path)
	s := string(content)
	for _, want := range []string{"session created", "sequence gap", "evicted 3", "TX (7 bytes)", "Debug logging ended"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in debug log", want)
		}
	}
	if strings.Contains(s, "should be filtered") {
		t.Error("kafka line should have been filtered")
	}
}

func TestDebugLogNilSafe(t *testing.T) {
	var dl *DebugLogger
	dl.Log("ua", "nothing")
	dl.SetFilter("ua")
	if err := dl.Close(); err != nil {
		t.Error(err)
	}
	SetGlobalDebugLogger(nil)
	DebugLog("ua", "no logger installed")
}

func TestHexDump(t *testing.T) {
	out := hexDump([]byte("0123456789abcdefXY"))
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if !strings.HasPrefix(strings.TrimSpace(lines[1]), "0010:") {
		t.Errorf("second line offset wrong: %q", lines[1])
	}
	if hexDump(nil) != "    (empty)" {
		t.Error("empty dump mismatch")
	}
}

func TestSetup(t *testing.T) {
	t.Run("json to console", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := Setup(Config{Level: "debug", Format: "json"}, &buf)
		if err != nil {
			t.Fatal(err)
		}
		defer closer.Close()
		logger.Debug("connected", "server", "plant-ua")

		var rec map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
			t.Fatalf("not json: %v (%s)", err, buf.String())
		}
		if rec["server"] != "plant-ua" {
			t.Errorf("server attr = %v", rec["server"])
		}
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, _ := Setup(Config{Level: "warn"}, &buf)
		logger.Info("hidden")
		logger.Warn("shown")
		if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
			t.Errorf("unexpected output: %s", buf.String())
		}
	})

	t.Run("file and extra writer", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		var pane bytes.Buffer
		logger, closer, err := Setup(Config{File: path}, nil, &pane)
		if err != nil {
			t.Fatal(err)
		}
		logger.Info("hello")
		closer.Close()

		content, _ := os.ReadFile(path)
		if !strings.Contains(string(content), "hello") || !strings.Contains(pane.String(), "hello") {
			t.Error("expected message in both file and pane")
		}
	})

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should map to info")
	}
}
