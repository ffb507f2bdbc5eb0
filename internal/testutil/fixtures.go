// Package testutil provides shared fixture builders for the test
// suites: temporary vaults, synthetic configs, and pre-seeded fake
// gateways.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jra3/obsync/internal/config"
	"github.com/jra3/obsync/internal/gateway"
)

// VaultBuilder assembles a temporary vault directory.
type VaultBuilder struct {
	t    *testing.T
	Root string
}

// NewVault creates a temporary vault root.
func NewVault(t *testing.T) *VaultBuilder {
	t.Helper()
	return &VaultBuilder{t: t, Root: t.TempDir()}
}

// File writes a vault-relative markdown file, creating directories as
// needed.
func (v *VaultBuilder) File(rel, content string) *VaultBuilder {
	v.t.Helper()
	abs := filepath.Join(v.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		v.t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		v.t.Fatal(err)
	}
	return v
}

// Read returns a vault file's content.
func (v *VaultBuilder) Read(rel string) string {
	v.t.Helper()
	data, err := os.ReadFile(filepath.Join(v.Root, filepath.FromSlash(rel)))
	if err != nil {
		v.t.Fatal(err)
	}
	return string(data)
}

// Touch sets a vault file's modification time.
func (v *VaultBuilder) Touch(rel string, at time.Time) {
	v.t.Helper()
	abs := filepath.Join(v.Root, filepath.FromSlash(rel))
	if err := os.Chtimes(abs, at, at); err != nil {
		v.t.Fatal(err)
	}
}

// Config returns a config pointing at the given vault with an isolated
// state directory and one reminders list.
func Config(t *testing.T, vaultRoot string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Vaults = []config.Vault{{Name: "test", Path: vaultRoot}}
	cfg.Lists = []config.List{{Name: "Test", Identifier: "list-1"}}
	cfg.DefaultCreationVault = "test"
	cfg.DefaultCreationList = "list-1"
	cfg.StateDir = t.TempDir()
	cfg.LockTimeout = 2 * time.Second
	return cfg
}

// Gateway returns a fake gateway with a fixed clock.
func Gateway(now time.Time) *gateway.Fake {
	gw := gateway.NewFake()
	gw.Now = func() time.Time { return now }
	return gw
}
