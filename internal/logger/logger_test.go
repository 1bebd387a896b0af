package logger

import (
	"os"
	"strings"
	"testing"
)

func TestSetupWritesJSONLog(t *testing.T) {
	dir := t.TempDir()
	cleanup, err := Setup(Config{Workspace: dir, Debug: true})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := IsReady(); err != nil {
		t.Fatalf("expected ready logger: %v", err)
	}
	L().Debug("runner.attempt", "executor", "python3")
	path := Path()
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `"msg":"logger.initialized"`) {
		t.Fatalf("missing init record: %s", content)
	}
	if !strings.Contains(content, `"executor":"python3"`) {
		t.Fatalf("missing debug record: %s", content)
	}
	if IsReady() == nil {
		t.Fatalf("expected logger reset after cleanup")
	}
}
