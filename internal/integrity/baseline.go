package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

// Baseline is a periodic digest snapshot of the artifact set
type Baseline struct {
	CreatedAt time.Time         `json:"created_at"`
	Digests   map[string]string `json:"digests"`
}

// MismatchKind describes how an artifact drifted from the baseline
type MismatchKind string

const (
	MismatchChanged MismatchKind = "changed"
	MismatchMissing MismatchKind = "missing"
	MismatchNew     MismatchKind = "new"
)

// Mismatch is one drifted artifact
type Mismatch struct {
	Path     string       `json:"path"`
	Kind     MismatchKind `json:"kind"`
	Previous string       `json:"previous,omitempty"`
	Current  string       `json:"current,omitempty"`
}

// Snapshot hashes the artifact set without archiving it. Unreadable files are left out.
func (e *Engine) Snapshot(ctx context.Context, artifacts []types.Artifact) (*Baseline, error) {
	b := &Baseline{CreatedAt: e.now(), Digests: make(map[string]string)}
	for _, t := range expand(artifacts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.err != nil {
			continue
		}
		digest, _, err := hashFile(t.path)
		if err != nil {
			continue
		}
		b.Digests[t.path] = digest
	}
	return b, nil
}

// CompareBaseline lists every path whose digest differs between prev and cur, sorted by path
func CompareBaseline(prev, cur *Baseline) []Mismatch {
	var mismatches []Mismatch
	for path, before := range prev.Digests {
		after, ok := cur.Digests[path]
		switch {
		case !ok:
			mismatches = append(mismatches, Mismatch{Path: path, Kind: MismatchMissing, Previous: before})
		case after != before:
			mismatches = append(mismatches, Mismatch{Path: path, Kind: MismatchChanged, Previous: before, Current: after})
		}
	}
	for path, after := range cur.Digests {
		if _, ok := prev.Digests[path]; !ok {
			mismatches = append(mismatches, Mismatch{Path: path, Kind: MismatchNew, Current: after})
		}
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Path < mismatches[j].Path })
	return mismatches
}

// LoadBaseline reads a stored baseline; a missing file yields an os.ErrNotExist error
func LoadBaseline(path string) (*Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse baseline %s: %w", path, err)
	}
	if b.Digests == nil {
		b.Digests = make(map[string]string)
	}
	return &b, nil
}

// SaveBaseline atomically replaces the stored baseline
func SaveBaseline(path string, b *Baseline) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// RotateBaseline snapshots the artifacts, compares against the stored
// baseline (if any) and stores the new snapshot in its place
func (e *Engine) RotateBaseline(ctx context.Context, path string, artifacts []types.Artifact) ([]Mismatch, error) {
	prev, err := LoadBaseline(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cur, err := e.Snapshot(ctx, artifacts)
	if err != nil {
		return nil, err
	}

	var mismatches []Mismatch
	if prev != nil {
		mismatches = CompareBaseline(prev, cur)
	}
	for _, mm := range mismatches {
		e.logger.LogBackupEvent("baseline_mismatch", "path", mm.Path, "kind", mm.Kind)
	}
	if prev != nil && len(mismatches) == 0 {
		e.logger.LogBackupEvent("baseline_ok", "artifacts", len(cur.Digests))
	}

	if err := SaveBaseline(path, cur); err != nil {
		return mismatches, fmt.Errorf("failed to save baseline: %w", err)
	}
	return mismatches, nil
}
