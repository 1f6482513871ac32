package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxFileNameLen caps generated file names so long titles stay within
// filesystem limits
const maxFileNameLen = 160

// Manager handles the download directory: file naming, duplicate
// detection and atomic writes. A file only appears under its final name
// once it is completely written.
type Manager struct {
	outputDir string
	existing  map[string]bool
	mu        sync.RWMutex
}

// NewManager creates a storage manager rooted at outputDir
func NewManager(outputDir string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	m := &Manager{
		outputDir: outputDir,
		existing:  make(map[string]bool),
	}

	if err := m.scanExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to scan existing files: %w", err)
	}

	return m, nil
}

// scanExistingFiles indexes files already present so resumed runs can
// skip them without re-downloading
func (m *Manager) scanExistingFiles() error {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasSuffix(entry.Name(), ".tmp") {
			m.existing[entry.Name()] = true
		}
	}

	return nil
}

// FileName builds the on-disk name for a book: "Title - Author.ext",
// sanitized for the filesystem and capped in length
func FileName(title, author, ext string) string {
	name := sanitize(title)
	if a := sanitize(author); a != "" {
		name += " - " + a
	}
	if name == "" {
		name = "untitled"
	}

	if !strings.HasPrefix(ext, ".") && ext != "" {
		ext = "." + ext
	}

	if max := maxFileNameLen - len(ext); len(name) > max {
		name = strings.TrimSpace(name[:max])
	}

	return name + ext
}

// sanitize strips characters that are unsafe in file names
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '\x00':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// IsDownloaded checks whether a file with this name already exists. A
// leftover .tmp file is a partial write, not a download.
func (m *Manager) IsDownloaded(filename string) bool {
	if strings.HasSuffix(filename, ".tmp") {
		return false
	}

	m.mu.RLock()
	cached := m.existing[filename]
	m.mu.RUnlock()
	if cached {
		return true
	}

	if _, err := os.Stat(filepath.Join(m.outputDir, filename)); err == nil {
		m.mu.Lock()
		m.existing[filename] = true
		m.mu.Unlock()
		return true
	}

	return false
}

// PathFor returns the absolute path a file would be stored at
func (m *Manager) PathFor(filename string) string {
	return filepath.Join(m.outputDir, filename)
}

// SaveFrom streams the reader to disk under the given name and returns the
// number of bytes written. The write goes through a temporary file and an
// atomic rename so a crash never leaves a truncated file under the final
// name.
func (m *Manager) SaveFrom(r io.Reader, filename string) (int64, error) {
	finalPath := filepath.Join(m.outputDir, filename)
	tempPath := finalPath + ".tmp"

	out, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}

	n, err := io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to save file data: %w", err)
	}

	if closeErr != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to rename temporary file: %w", err)
	}

	m.mu.Lock()
	m.existing[filename] = true
	m.mu.Unlock()

	return n, nil
}

// Remove deletes a stored file, used when a download fails size validation
func (m *Manager) Remove(filename string) error {
	if err := os.Remove(filepath.Join(m.outputDir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file: %w", err)
	}

	m.mu.Lock()
	delete(m.existing, filename)
	m.mu.Unlock()

	return nil
}

// OutputDir returns the download directory path
func (m *Manager) OutputDir() string {
	return m.outputDir
}

// DownloadedCount returns the number of files known to exist
func (m *Manager) DownloadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.existing)
}
