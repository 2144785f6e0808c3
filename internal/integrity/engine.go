package integrity

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

// Engine captures artifact sets into sealed, optionally encrypted backups
type Engine struct {
	store       *Store
	keyMaterial []byte
	logger      *logging.Logger
	now         func() time.Time
}

// NewEngine creates an engine; nil keyMaterial disables archive encryption
func NewEngine(store *Store, keyMaterial []byte, logger *logging.Logger) *Engine {
	return &Engine{
		store:       store,
		keyMaterial: keyMaterial,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the manifest store the engine writes to
func (e *Engine) Store() *Store {
	return e.store
}

type target struct {
	path      string
	category  string
	mandatory bool
	err       error
}

// Capture archives every artifact, recording a failed entry for anything
// unreadable. The returned manifest is always sealed; an error is returned
// only when the archive itself could not be written.
func (e *Engine) Capture(ctx context.Context, artifacts []types.Artifact) (*Manifest, error) {
	m := &Manifest{
		ID:        uuid.NewString(),
		CreatedAt: e.now(),
		Encrypted: e.keyMaterial != nil,
	}
	targets := expand(artifacts)

	e.logger.LogBackupEvent("capture_started",
		"manifest_id", m.ID,
		"targets", len(targets),
		"encrypted", m.Encrypted)

	archiveErr := e.writeArchive(ctx, m, targets)
	if archiveErr != nil {
		for i := range m.Entries {
			m.Entries[i].Status = EntryFailed
			m.Entries[i].SHA256 = ""
			if m.Entries[i].Error == "" {
				m.Entries[i].Error = archiveErr.Error()
			}
		}
	}

	for _, entry := range m.Failures() {
		e.logger.LogBackupEvent("artifact_failed",
			"manifest_id", m.ID,
			"path", entry.Path,
			"mandatory", entry.Mandatory,
			"error", entry.Error)
	}

	if err := m.Seal(e.now()); err != nil {
		return m, err
	}
	if err := e.store.Put(m); err != nil {
		archiveErr = errors.Join(archiveErr, err)
	}

	e.logger.LogBackupEvent("manifest_sealed",
		"manifest_id", m.ID,
		"entries", len(m.Entries),
		"failed", len(m.Failures()),
		"digest", m.Digest)

	if archiveErr != nil {
		return m, fmt.Errorf("backup archive failed: %w", archiveErr)
	}
	return m, nil
}

func (e *Engine) writeArchive(ctx context.Context, m *Manifest, targets []target) (err error) {
	// entries exist even if the archive never opens
	m.Entries = make([]Entry, len(targets))
	for i, t := range targets {
		m.Entries[i] = Entry{Path: t.path, Category: t.category, Mandatory: t.mandatory, Status: EntryFailed}
	}

	archivePath, err := e.store.prepare(m.ID, m.Encrypted)
	if err != nil {
		return err
	}
	m.ArchivePath = archivePath

	file, err := os.OpenFile(archivePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()

	archiveHash := sha256.New()
	var sink io.Writer = io.MultiWriter(file, archiveHash)

	var sealer *sealWriter
	if m.Encrypted {
		sealer, err = newSealWriter(sink, e.keyMaterial)
		if err != nil {
			return err
		}
		sink = sealer
	}

	zstdWriter, err := zstd.NewWriter(sink)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	zstdClosed := false
	defer func() {
		if !zstdClosed {
			zstdWriter.Close()
		}
	}()
	tarWriter := tar.NewWriter(zstdWriter)

	for i, t := range targets {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.Entries[i].CapturedAt = e.now()
			m.Entries[i].Error = ctxErr.Error()
			continue
		}
		entry, writeErr := e.captureOne(tarWriter, t)
		m.Entries[i] = entry
		if writeErr != nil {
			return fmt.Errorf("failed to write %s to archive: %w", t.path, writeErr)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	zstdClosed = true
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("failed to close zstd writer: %w", err)
	}
	if sealer != nil {
		if err := sealer.Close(); err != nil {
			return fmt.Errorf("failed to finish encrypted archive: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive: %w", err)
	}

	m.ArchiveDigest = hex.EncodeToString(archiveHash.Sum(nil))
	return nil
}

// captureOne streams one file into the archive and its digest in a single
// pass. A read failure pads the tar entry and fails only this artifact; the
// returned error is reserved for archive write failures.
func (e *Engine) captureOne(tw *tar.Writer, t target) (Entry, error) {
	entry := Entry{
		Path:       t.path,
		Category:   t.category,
		Mandatory:  t.mandatory,
		CapturedAt: e.now(),
		Status:     EntryFailed,
	}
	if t.err != nil {
		entry.Error = t.err.Error()
		return entry, nil
	}

	file, err := os.Open(t.path)
	if err != nil {
		entry.Error = err.Error()
		return entry, nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		entry.Error = err.Error()
		return entry, nil
	}
	if !info.Mode().IsRegular() {
		entry.Error = "not a regular file"
		return entry, nil
	}

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     archiveName(t.category, t.path),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return entry, err
	}

	hasher := sha256.New()
	source := &trackingReader{r: io.LimitReader(file, info.Size())}
	n, copyErr := io.Copy(tw, io.TeeReader(source, hasher))
	if copyErr != nil && source.err == nil {
		return entry, copyErr
	}

	if n < info.Size() {
		if _, err := io.CopyN(tw, zeroReader{}, info.Size()-n); err != nil {
			return entry, err
		}
		if source.err != nil {
			entry.Error = source.err.Error()
		} else {
			entry.Error = "file shrank during capture"
		}
		entry.SizeBytes = n
		return entry, nil
	}

	entry.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	entry.SizeBytes = n
	entry.Status = EntryCaptured
	return entry, nil
}

// Verify recomputes the digest of every captured entry; failed entries are not reported
func (e *Engine) Verify(m *Manifest) map[string]bool {
	return VerifyManifest(m)
}

// VerifyManifest recomputes the digest of every captured entry
func VerifyManifest(m *Manifest) map[string]bool {
	results := make(map[string]bool, len(m.Entries))
	for _, entry := range m.Entries {
		if entry.Status != EntryCaptured {
			continue
		}
		digest, _, err := hashFile(entry.Path)
		results[entry.Path] = err == nil && digest == entry.SHA256
	}
	return results
}

// VerifyArchive recomputes the archive digest recorded in the manifest
func VerifyArchive(m *Manifest) error {
	if m.ArchiveDigest == "" {
		return errors.New("manifest has no archive digest")
	}
	digest, _, err := hashFile(m.ArchivePath)
	if err != nil {
		return err
	}
	if digest != m.ArchiveDigest {
		return fmt.Errorf("archive digest mismatch: expected %s, computed %s", m.ArchiveDigest, digest)
	}
	return nil
}

// ArchiveReader iterates the files of a backup archive
type ArchiveReader struct {
	*tar.Reader
	file    *os.File
	decoder *zstd.Decoder
}

// Close releases the archive file
func (a *ArchiveReader) Close() error {
	a.decoder.Close()
	return a.file.Close()
}

// OpenArchive opens a backup archive, decrypting it with keyMaterial when the manifest says so
func OpenArchive(m *Manifest, keyMaterial []byte) (*ArchiveReader, error) {
	file, err := os.Open(m.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	var source io.Reader = file
	if m.Encrypted {
		if keyMaterial == nil {
			file.Close()
			return nil, errors.New("archive is encrypted and no key was provided")
		}
		source, err = newOpenReader(file, keyMaterial)
		if err != nil {
			file.Close()
			return nil, err
		}
	}

	decoder, err := zstd.NewReader(source)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}

	return &ArchiveReader{Reader: tar.NewReader(decoder), file: file, decoder: decoder}, nil
}

// expand turns configured artifacts into file targets, walking directories.
// Duplicate paths are captured once.
func expand(artifacts []types.Artifact) []target {
	var targets []target
	seen := make(map[string]bool)

	add := func(t target) {
		if seen[t.path] {
			return
		}
		seen[t.path] = true
		targets = append(targets, t)
	}

	for _, a := range artifacts {
		root := filepath.Clean(a.Path)
		category := a.Category
		if category == "" {
			category = "MISC"
		}

		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			add(target{path: root, category: category, mandatory: a.Mandatory, err: err})
			continue
		}

		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				add(target{path: path, category: category, mandatory: a.Mandatory, err: err})
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				add(target{path: path, category: category, mandatory: a.Mandatory})
			}
			return nil
		})
		if walkErr != nil {
			add(target{path: root, category: category, mandatory: a.Mandatory, err: walkErr})
		}
	}
	return targets
}

func archiveName(category, path string) string {
	return filepath.ToSlash(filepath.Join(category, strings.TrimPrefix(path, string(filepath.Separator))))
}

func hashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, file)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// trackingReader remembers the first read error so copy failures can be
// attributed to the source rather than the archive
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
