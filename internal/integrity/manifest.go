package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrArtifactCaptureFailed marks a single artifact that could not be captured.
	// It is recorded in the manifest and never aborts a capture.
	ErrArtifactCaptureFailed = errors.New("artifact capture failed")
	ErrManifestSealed        = errors.New("manifest already sealed")
	ErrManifestNotSealed     = errors.New("manifest is not sealed")
	ErrManifestTampered      = errors.New("manifest digest mismatch")
)

// EntryStatus is the capture result of one artifact
type EntryStatus string

const (
	EntryCaptured EntryStatus = "captured"
	EntryFailed   EntryStatus = "failed"
)

// Entry records one captured (or failed) file
type Entry struct {
	Path       string      `json:"path"`
	Category   string      `json:"category"`
	Mandatory  bool        `json:"mandatory"`
	SHA256     string      `json:"sha256,omitempty"`
	SizeBytes  int64       `json:"size_bytes"`
	CapturedAt time.Time   `json:"captured_at"`
	Status     EntryStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
}

// Manifest is the sealed record of one emergency backup
type Manifest struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	SealedAt      *time.Time `json:"sealed_at,omitempty"`
	Entries       []Entry    `json:"entries"`
	ArchivePath   string     `json:"archive_path"`
	ArchiveDigest string     `json:"archive_digest,omitempty"`
	Encrypted     bool       `json:"encrypted"`
	Digest        string     `json:"digest,omitempty"`
}

// Summary is the listing view of a stored manifest
type Summary struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	SealedAt  *time.Time `json:"sealed_at,omitempty"`
	Entries   int        `json:"entries"`
	Failed    int        `json:"failed"`
	Encrypted bool       `json:"encrypted"`
}

// Sealed reports whether the manifest carries a digest
func (m *Manifest) Sealed() bool {
	return m.Digest != ""
}

// Seal freezes the manifest: it stamps SealedAt and computes Digest
func (m *Manifest) Seal(at time.Time) error {
	if m.Sealed() {
		return ErrManifestSealed
	}
	sealedAt := at.UTC()
	m.SealedAt = &sealedAt

	digest, err := m.computeDigest()
	if err != nil {
		m.SealedAt = nil
		return err
	}
	m.Digest = digest
	return nil
}

// VerifySeal recomputes the manifest digest and compares it with the sealed one
func (m *Manifest) VerifySeal() error {
	if !m.Sealed() {
		return ErrManifestNotSealed
	}
	digest, err := m.computeDigest()
	if err != nil {
		return err
	}
	if digest != m.Digest {
		return fmt.Errorf("%w: expected %s, computed %s", ErrManifestTampered, m.Digest, digest)
	}
	return nil
}

// computeDigest hashes the canonical JSON form with Digest cleared
func (m *Manifest) computeDigest() (string, error) {
	clone := *m
	clone.Digest = ""
	data, err := json.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Failures returns the failed entries
func (m *Manifest) Failures() []Entry {
	var failed []Entry
	for _, e := range m.Entries {
		if e.Status == EntryFailed {
			failed = append(failed, e)
		}
	}
	return failed
}

// MandatoryFailures counts failed entries for mandatory artifacts
func (m *Manifest) MandatoryFailures() int {
	count := 0
	for _, e := range m.Failures() {
		if e.Mandatory {
			count++
		}
	}
	return count
}

// CaptureErrors joins one ErrArtifactCaptureFailed per failed entry
func (m *Manifest) CaptureErrors() error {
	var errs []error
	for _, e := range m.Failures() {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrArtifactCaptureFailed, e.Path, e.Error))
	}
	return errors.Join(errs...)
}

// Summary builds the listing view
func (m *Manifest) Summary() Summary {
	return Summary{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		SealedAt:  m.SealedAt,
		Entries:   len(m.Entries),
		Failed:    len(m.Failures()),
		Encrypted: m.Encrypted,
	}
}
