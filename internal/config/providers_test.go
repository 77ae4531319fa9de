package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProviderGroupsFileGroupsByName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.conf")
	body := `Group: main
ID: 1
Name: primary
URL: http://p1.example
Username: u1
Password: p1
MaxConnections: 10
Priority: 0

Group: main
ID: 2
Name: backup
URL: http://p2.example
Username: u2
Password: p2
MaxConnections: 5
Priority: 1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	groups, err := LoadProviderGroupsFile(path)
	if err != nil {
		t.Fatalf("LoadProviderGroupsFile: %v", err)
	}
	g, ok := groups["main"]
	if !ok {
		t.Fatal("expected group \"main\"")
	}
	if g.Primary.Name != "primary" {
		t.Fatalf("Primary.Name = %q, want %q", g.Primary.Name, "primary")
	}
	if len(g.Aliases) != 1 || g.Aliases[0].Name != "backup" {
		t.Fatalf("unexpected aliases: %+v", g.Aliases)
	}
}

func TestLoadProviderGroupsFileSkipsIncompleteBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.conf")
	body := `Group: main

URL: http://orphan.example
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	groups, err := LoadProviderGroupsFile(path)
	if err != nil {
		t.Fatalf("LoadProviderGroupsFile: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no groups from incomplete blocks, got %d", len(groups))
	}
}
