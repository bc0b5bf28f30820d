package database

import (
	"path/filepath"
	"testing"
)

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { Close(db) })

	entry := AuditLog{ConnectionID: "root@h:22", EventType: "command_execution", Success: true}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if entry.ID == 0 {
		t.Error("expected non-zero ID")
	}

	var loaded AuditLog
	if err := db.First(&loaded, entry.ID).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ConnectionID != "root@h:22" || !loaded.Success {
		t.Errorf("unexpected row %+v", loaded)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestClose_Nil(t *testing.T) {
	if err := Close(nil); err != nil {
		t.Errorf("Close(nil) = %v", err)
	}
}
