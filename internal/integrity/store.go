package integrity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
)

var (
	ErrManifestNotFound = errors.New("manifest not found")
	ErrManifestExists   = errors.New("manifest already stored")
)

const (
	manifestFile     = "manifest.json"
	archiveFile      = "archive.tar.zst"
	encryptedArchive = "archive.tar.zst.enc"
)

// Store keeps one directory per backup: <dir>/<id>/manifest.json next to the archive
type Store struct {
	dir    string
	logger *logging.Logger
}

// NewStore creates the manifest directory if needed
func NewStore(dir string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the store root
func (s *Store) Dir() string {
	return s.dir
}

// prepare creates the backup directory for id and returns the archive path
func (s *Store) prepare(id string, encrypted bool) (string, error) {
	backupDir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	name := archiveFile
	if encrypted {
		name = encryptedArchive
	}
	return filepath.Join(backupDir, name), nil
}

// Put persists a sealed manifest. Stored manifests are never overwritten.
func (s *Store) Put(m *Manifest) error {
	if !m.Sealed() {
		return ErrManifestNotSealed
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("invalid manifest id %q: %w", m.ID, err)
	}

	backupDir := filepath.Join(s.dir, m.ID)
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	path := filepath.Join(backupDir, manifestFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrManifestExists, m.ID)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	s.logger.Debug("Manifest stored", "manifest_id", m.ID, "entries", len(m.Entries))
	return nil
}

// Get loads a manifest by id
func (s *Store) Get(id string) (*Manifest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, id)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, id, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, id)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", id, err)
	}
	return &m, nil
}

// List returns summaries of every stored manifest, newest first
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := s.Get(entry.Name())
		if err != nil {
			s.logger.Warn("Skipping unreadable manifest", "manifest_id", entry.Name(), "error", err)
			continue
		}
		summaries = append(summaries, m.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
