package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func resetState() {
	CloseAll()
	logsDir = ""
	cfg = loggingConfig{}
	logLevel = LevelInfo
}

func TestInitDisabledIsNoop(t *testing.T) {
	resetState()
	defer resetState()

	root := t.TempDir()
	if err := Init(root, false, "info", nil, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "logs")); !os.IsNotExist(err) {
		t.Fatalf("expected logs dir not to be created when debug_mode is false, stat err=%v", err)
	}

	Get(CategoryWatch).Info("should not panic or create files")
}

func TestInitEnabledCreatesLogDirAndFile(t *testing.T) {
	resetState()
	defer resetState()

	root := t.TempDir()
	if err := Init(root, true, "debug", nil, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "logs")); err != nil {
		t.Fatalf("expected logs dir to exist: %v", err)
	}

	Get(CategoryBuild).Info("hello %s", "world")

	entries, err := os.ReadDir(filepath.Join(root, "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one log file")
	}
}

func TestCategoryDisabledViaMap(t *testing.T) {
	resetState()
	defer resetState()

	root := t.TempDir()
	if err := Init(root, true, "debug", map[string]bool{"watch": false}, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if IsCategoryEnabled(CategoryWatch) {
		t.Fatal("expected watch category to be disabled")
	}
	if !IsCategoryEnabled(CategoryBuild) {
		t.Fatal("expected build category (unlisted) to default enabled")
	}
}

func TestLevelFiltering(t *testing.T) {
	resetState()
	defer resetState()

	root := t.TempDir()
	if err := Init(root, true, "error", nil, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	l := Get(CategoryCache)
	l.Debug("suppressed")
	l.Info("suppressed")
	l.Warn("suppressed")
	l.Error("emitted")

	files, err := filepath.Glob(filepath.Join(root, "logs", "*cache.log"))
	if err != nil || len(files) == 0 {
		t.Fatalf("expected a cache log file, err=%v files=%v", err, files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected error-level line to be written")
	}
}

func TestTimerStopWithThreshold(t *testing.T) {
	resetState()
	defer resetState()

	root := t.TempDir()
	if err := Init(root, true, "debug", nil, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	timer := StartTimer(CategoryFrame, "tick")
	elapsed := timer.StopWithThreshold(0)
	if elapsed < 0 {
		t.Fatalf("expected non-negative elapsed, got %v", elapsed)
	}
}

func TestCloseAllResetsLoggers(t *testing.T) {
	resetState()
	defer resetState()

	root := t.TempDir()
	if err := Init(root, true, "debug", nil, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Get(CategoryBoot)
	CloseAll()

	loggersMu.RLock()
	n := len(loggers)
	loggersMu.RUnlock()
	if n != 0 {
		t.Fatalf("expected loggers map to be empty after CloseAll, got %d entries", n)
	}
}
