// Package workspace owns the per-run working directories code executes in,
// and classifies the files a run leaves behind.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPath is returned for run ids or artifact names that escape the workspace root.
var ErrInvalidPath = errors.New("invalid workspace path")

// Kind classifies an artifact by extension.
type Kind int

const (
	KindOther Kind = iota
	KindImage
	KindCode
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}
var codeExts = map[string]bool{".py": true, ".sh": true, ".js": true, ".rb": true, ".r": true, ".go": true}

// Classify returns the artifact kind for a file name (case-insensitive extension match).
func Classify(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExts[ext]:
		return KindImage
	case codeExts[ext]:
		return KindCode
	default:
		return KindOther
	}
}

// Artifacts lists files left in a run directory, relative to it with forward slashes.
type Artifacts struct {
	Images   []string `json:"images"`
	CodePath string   `json:"code_path,omitempty"`
	Other    []string `json:"other"`
}

// Manager creates and cleans run directories under a root.
type Manager struct {
	root string
}

// NewManager ensures root exists.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

func validRunID(runID string) bool {
	return runID != "" && runID != "." && runID != ".." &&
		!strings.ContainsAny(runID, `/\`) && !strings.ContainsRune(runID, 0)
}

// Dir returns the directory for a run without touching the filesystem.
func (m *Manager) Dir(runID string) (string, error) {
	if !validRunID(runID) {
		return "", fmt.Errorf("%w: run id %q", ErrInvalidPath, runID)
	}
	return filepath.Join(m.root, runID), nil
}

// Create returns an empty directory for runID, clearing leftovers from an earlier attempt.
func (m *Manager) Create(runID string) (string, error) {
	dir, err := m.Dir(runID)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear run dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// Remove deletes a run directory. Missing directories are not an error.
func (m *Manager) Remove(runID string) error {
	dir, err := m.Dir(runID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Resolve maps an artifact name inside a run to an absolute path, rejecting traversal.
func (m *Manager) Resolve(runID, name string) (string, error) {
	dir, err := m.Dir(runID)
	if err != nil {
		return "", err
	}
	if name == "" || filepath.IsAbs(name) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return filepath.Join(dir, clean), nil
}

// Contains reports whether path, with symlinks resolved, is a regular file
// inside the run directory.
func (m *Manager) Contains(runID, path string) bool {
	dir, err := m.Dir(runID)
	if err != nil {
		return false
	}
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return false
	}
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(realDir, realPath)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Collect walks dir and classifies every regular file. codeFile (the executor's
// file name) becomes CodePath; other code files are reported as Other.
func (m *Manager) Collect(dir, codeFile string) (Artifacts, error) {
	out := Artifacts{Images: []string{}, Other: []string{}}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case codeFile != "" && rel == codeFile:
			out.CodePath = rel
		case Classify(rel) == KindImage:
			out.Images = append(out.Images, rel)
		default:
			out.Other = append(out.Other, rel)
		}
		return nil
	})
	if err != nil {
		return Artifacts{}, fmt.Errorf("collect artifacts: %w", err)
	}
	sort.Strings(out.Images)
	sort.Strings(out.Other)
	return out, nil
}

// Sweep deletes run directories whose modification time is older than maxAge.
// Returns the number of directories removed.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
