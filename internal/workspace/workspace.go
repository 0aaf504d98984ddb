// Package workspace materializes isolated per-job build directories:
// a minimal ink! crate skeleton with the submitted source as src/lib.rs.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const manifestTemplate = `[package]
name = %q
version = "0.1.0"
edition = "2021"

[lib]
path = "src/lib.rs"

[dependencies]
ink = { version = "5", default-features = false }

[features]
default = ["std"]
std = ["ink/std"]
ink-as-dependency = []
`

// Manager creates and removes per-job directories under a common root.
// Directories are never shared between invocations.
type Manager struct {
	root string
}

func NewManager(root string) *Manager {
	if root == "" {
		root = os.TempDir()
	}
	return &Manager{root: root}
}

// Create builds a fresh directory containing Cargo.toml and src/lib.rs
// with the payload. The caller must Remove it on every exit path.
func (m *Manager) Create(subjectName, payload string) (string, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("preparing workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(m.root, "pop-job-*")
	if err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}

	manifest := fmt.Sprintf(manifestTemplate, CrateName(subjectName))
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(manifest), 0o644); err != nil {
		m.Remove(dir)
		return "", fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "src"), 0o755); err != nil {
		m.Remove(dir)
		return "", fmt.Errorf("creating src dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "lib.rs"), []byte(payload), 0o644); err != nil {
		m.Remove(dir)
		return "", fmt.Errorf("writing source: %w", err)
	}
	return dir, nil
}

// CreateBare builds a fresh empty directory for collaborators that
// materialize their own skeleton (e.g. the scaffolding command).
func (m *Manager) CreateBare() (string, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("preparing workspace root: %w", err)
	}
	dir, err := os.MkdirTemp(m.root, "pop-scaffold-*")
	if err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes a workspace directory. Best effort; a missing directory
// is not an error.
func (m *Manager) Remove(dir string) {
	if dir == "" {
		return
	}
	_ = os.RemoveAll(dir)
}

// CrateName turns a caller-supplied label into a valid crate name:
// lowercase, [a-z0-9_], never empty, never starting with a digit.
func CrateName(subjectName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(subjectName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "contract_" + name
	}
	return strings.Trim(name, "_") // trailing separators read badly
}
