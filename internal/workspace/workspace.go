// Package workspace manages the on-disk layout of the pipeline: the inbox
// directory where documents arrive, the tmp directory holding working
// copies, and the processed directory for finished documents.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const hashChunkSize = 64 * 1024

// Manager resolves and manipulates paths inside the work directory.
type Manager struct {
	workDir      string
	tmpDir       string
	processedDir string
}

// NewManager creates a Manager rooted at workDir and ensures the directory
// tree exists.
func NewManager(workDir string) (*Manager, error) {
	m := &Manager{
		workDir:      workDir,
		tmpDir:       filepath.Join(workDir, "tmp"),
		processedDir: filepath.Join(workDir, "processed"),
	}

	for _, dir := range []string{m.workDir, m.tmpDir, m.processedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	return m, nil
}

// WorkDir returns the inbox directory.
func (m *Manager) WorkDir() string { return m.workDir }

// TmpDir returns the working-copy directory.
func (m *Manager) TmpDir() string { return m.tmpDir }

// ProcessedDir returns the finished-document directory.
func (m *Manager) ProcessedDir() string { return m.processedDir }

// ResolveWorkPath joins a client-supplied relative path to the inbox
// directory and verifies the file exists. Paths escaping the inbox are
// rejected.
func (m *Manager) ResolveWorkPath(rel string) (string, error) {
	return m.resolve(m.workDir, rel)
}

// ResolveProcessedPath joins a client-supplied relative path to the
// processed directory and verifies the file exists.
func (m *Manager) ResolveProcessedPath(rel string) (string, error) {
	return m.resolve(m.processedDir, rel)
}

func (m *Manager) resolve(base, rel string) (string, error) {
	path := filepath.Join(base, rel)
	if path != base && !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes %s", rel, base)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("resolving %s: %w", rel, err)
	}
	return path, nil
}

// SaveUpload writes an uploaded file into the inbox directory under its
// original base name and returns the stored path.
func (m *Manager) SaveUpload(name string, r io.Reader) (string, error) {
	path := filepath.Join(m.workDir, filepath.Base(name))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing file: %w", err)
	}

	return path, nil
}

// StageWorkingCopy copies src into the tmp directory under a fresh random
// name, keeping the original extension, and returns the copy's path. All
// later stages operate on this copy so the source file stays untouched
// until ingestion completes.
func (m *Manager) StageWorkingCopy(src string) (string, error) {
	dst := filepath.Join(m.tmpDir, uuid.New().String()+filepath.Ext(src))
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// ListInbox returns the absolute paths of all PDF files sitting in the
// inbox directory.
func (m *Manager) ListInbox() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.workDir, "*.pdf"))
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}
	return matches, nil
}

// HashFile computes the SHA-256 hash of a file, reading it in 64 KiB
// chunks, and returns the lowercase hex digest.
func (m *Manager) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// UniquePath returns path unchanged when nothing exists there, otherwise
// the first name_N variant that is free.
func UniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// MoveIntoProcessed moves src into the processed directory under finalName,
// suffixing _N when the name is taken, and returns the final path.
func (m *Manager) MoveIntoProcessed(src, finalName string) (string, error) {
	dst := UniquePath(filepath.Join(m.processedDir, filepath.Base(finalName)))

	if err := os.Rename(src, dst); err != nil {
		// Rename fails across filesystems; fall back to copy and delete.
		if err := copyFile(src, dst); err != nil {
			return "", err
		}
		if err := os.Remove(src); err != nil {
			return "", fmt.Errorf("removing source after copy: %w", err)
		}
	}

	return dst, nil
}

// WriteSidecar writes v as indented JSON next to docPath, swapping the
// extension for .json, and returns the sidecar path.
func (m *Manager) WriteSidecar(docPath string, v any) (string, error) {
	sidecar := strings.TrimSuffix(docPath, filepath.Ext(docPath)) + ".json"

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding sidecar: %w", err)
	}
	if err := os.WriteFile(sidecar, data, 0644); err != nil {
		return "", fmt.Errorf("writing sidecar: %w", err)
	}

	return sidecar, nil
}

// RemoveStaged deletes a working copy, but only when the path actually
// lives under the tmp directory. It reports whether a file was removed.
func (m *Manager) RemoveStaged(path string) (bool, error) {
	if !strings.HasPrefix(filepath.Clean(path), m.tmpDir+string(filepath.Separator)) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("removing working copy: %w", err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying file: %w", err)
	}

	return out.Close()
}
