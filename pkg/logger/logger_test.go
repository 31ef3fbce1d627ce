package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	if err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Named("orchestrator").Debug("execution started", "session_id", "s-1")
	Audit().Info("agent_executed", "user_id", "u-1")

	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	line := firstLine(t, appPath)
	if line["component"] != "orchestrator" || line["session_id"] != "s-1" {
		t.Fatalf("unexpected app record: %+v", line)
	}
	audit := firstLine(t, auditPath)
	if audit["msg"] != "agent_executed" || audit["user_id"] != "u-1" {
		t.Fatalf("unexpected audit record: %+v", audit)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error when audit path is empty")
	}
}

func firstLine(t *testing.T, path string) map[string]any {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("no lines in %s", path)
	}
	var record map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return record
}
