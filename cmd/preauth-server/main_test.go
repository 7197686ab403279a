package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ehr/preauth/internal/platform/db"
)

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "core", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "jobs"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2026-01-05 10:00:00") {
		t.Errorf("unexpected applied row: %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row: %q", lines[3])
	}
}

func TestPrintJSON_Indented(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]string{"ok": "seeded"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != "{\n  \"ok\": \"seeded\"\n}\n" {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestMigrateCmd_Subcommands(t *testing.T) {
	cmd := migrateCmd()
	for _, name := range []string{"up", "status"} {
		if sub, _, err := cmd.Find([]string{name}); err != nil || sub.Name() != name {
			t.Errorf("expected migrate %s subcommand, got %v (%v)", name, sub, err)
		}
	}
}

func TestResetCmd_NoSeedFlag(t *testing.T) {
	cmd := resetCmd()
	f := cmd.Flags().Lookup("no-seed")
	if f == nil {
		t.Fatal("expected --no-seed flag")
	}
	if f.DefValue != "false" {
		t.Errorf("expected --no-seed to default to false, got %s", f.DefValue)
	}
}
