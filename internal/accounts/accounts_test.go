package accounts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveRejectsUnknownUsername(t *testing.T) {
	s := NewStore()
	s.Add(Account{Username: "alice", Password: "secret"})
	if _, ok := s.Resolve("bob", "secret"); ok {
		t.Fatal("expected unknown username to be rejected")
	}
}

func TestResolveRejectsWrongPassword(t *testing.T) {
	s := NewStore()
	s.Add(Account{Username: "alice", Password: "secret"})
	if _, ok := s.Resolve("alice", "wrong"); ok {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestAddDefaultsProxyModeToReverse(t *testing.T) {
	s := NewStore()
	s.Add(Account{Username: "alice", Password: "secret"})
	a, ok := s.Resolve("alice", "secret")
	if !ok {
		t.Fatal("expected resolve to succeed")
	}
	if a.ProxyMode != Reverse {
		t.Fatalf("ProxyMode = %q, want %q", a.ProxyMode, Reverse)
	}
}

func TestLoadFileParsesMultipleBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.conf")
	body := `# primary account
Username: alice
Password: secret
MaxConnections: 2
ProxyMode: reverse
ProviderGroup: main

Username: bob
Password: hunter2
ProxyMode: redirect
ProviderGroup: backup
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	alice, ok := s.Resolve("alice", "secret")
	if !ok {
		t.Fatal("expected alice to resolve")
	}
	if alice.MaxConnections != 2 || alice.ProxyMode != Reverse || alice.ProviderGroup != "main" {
		t.Fatalf("unexpected alice account: %+v", alice)
	}

	bob, ok := s.Resolve("bob", "hunter2")
	if !ok {
		t.Fatal("expected bob to resolve")
	}
	if bob.ProxyMode != Redirect || bob.ProviderGroup != "backup" {
		t.Fatalf("unexpected bob account: %+v", bob)
	}
}

func TestLoadFileMissingPathReturnsError(t *testing.T) {
	if _, err := LoadFile("/nonexistent/accounts.conf"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
