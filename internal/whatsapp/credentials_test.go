package whatsapp

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileCredentialStore(t *testing.T) {
	root := t.TempDir()
	store := NewFileCredentialStore(root)

	if got := store.Dir("+1 555-123-4567"); got != filepath.Join(root, "auth_info_15551234567") {
		t.Fatalf("unexpected dir %s", got)
	}
	if store.Exists("15551234567") {
		t.Fatal("expected no credentials yet")
	}
	if err := store.Reset("15551234567"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	marker := filepath.Join(store.Dir("15551234567"), "device.db")
	if err := os.WriteFile(marker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if err := store.Reset("15551234567"); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("Reset must discard existing material, stat err=%v", err)
	}
	if !store.Exists("15551234567") {
		t.Fatal("Reset must leave an empty directory")
	}
	if err := store.Remove("15551234567"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if store.Exists("15551234567") {
		t.Fatal("expected credentials removed")
	}
	if err := store.Reset("   "); err == nil {
		t.Fatal("expected error for empty phone")
	}
}
