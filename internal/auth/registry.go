package auth

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

var (
	ErrTokenExists   = errors.New("token already registered")
	ErrTokenNotFound = errors.New("token not registered")
	ErrTokenRevoked  = errors.New("token was revoked and cannot be registered again")
	ErrInvalidUID    = errors.New("token uid must be non-empty hex")
)

const (
	opRegister = "register"
	opRevoke   = "revoke"
)

// registryOp is one line of the registry journal
type registryOp struct {
	Op    string    `json:"op"`
	UID   string    `json:"uid"`
	Label string    `json:"label,omitempty"`
	At    time.Time `json:"at"`
}

// NormalizeUID upper-cases a tag uid and strips separators and a 0x prefix
func NormalizeUID(uid string) string {
	uid = strings.TrimSpace(uid)
	uid = strings.TrimPrefix(strings.TrimPrefix(uid, "0x"), "0X")
	uid = strings.NewReplacer(":", "", "-", "", " ", "").Replace(uid)
	return strings.ToUpper(uid)
}

func validUID(uid string) bool {
	if uid == "" {
		return false
	}
	for _, c := range uid {
		if !strings.ContainsRune("0123456789ABCDEF", c) {
			return false
		}
	}
	return true
}

// Registry is the persisted set of tokens. Records are never removed;
// revocation only flags them.
type Registry struct {
	mu      sync.RWMutex
	path    string
	records map[string]types.TokenRecord
	now     func() time.Time
}

// LoadRegistry replays the journal at path. A missing file is an empty
// registry; an unreadable or corrupt one is an error.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		records: make(map[string]types.TokenRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to open token registry: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var op registryOp
		if err := json.Unmarshal([]byte(text), &op); err != nil {
			return nil, fmt.Errorf("token registry line %d: %w", line, err)
		}
		if err := r.apply(op); err != nil {
			return nil, fmt.Errorf("token registry line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read token registry: %w", err)
	}
	return r, nil
}

func (r *Registry) apply(op registryOp) error {
	switch op.Op {
	case opRegister:
		if existing, ok := r.records[op.UID]; ok {
			if existing.Revoked {
				return fmt.Errorf("%w: %s", ErrTokenRevoked, op.UID)
			}
			return fmt.Errorf("%w: %s", ErrTokenExists, op.UID)
		}
		r.records[op.UID] = types.TokenRecord{UID: op.UID, Label: op.Label, RegisteredAt: op.At}
	case opRevoke:
		rec, ok := r.records[op.UID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTokenNotFound, op.UID)
		}
		if !rec.Revoked {
			at := op.At
			rec.Revoked = true
			rec.RevokedAt = &at
			r.records[op.UID] = rec
		}
	default:
		return fmt.Errorf("unknown registry op %q", op.Op)
	}
	return nil
}

// journal appends one op to disk before it is applied in memory
func (r *Registry) journal(op registryOp) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open token registry: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write token registry: %w", err)
	}
	return file.Sync()
}

// Register adds a new token
func (r *Registry) Register(uid, label string) (types.TokenRecord, error) {
	uid = NormalizeUID(uid)
	if !validUID(uid) {
		return types.TokenRecord{}, ErrInvalidUID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	op := registryOp{Op: opRegister, UID: uid, Label: label, At: r.now()}
	if existing, ok := r.records[uid]; ok {
		if existing.Revoked {
			return existing, ErrTokenRevoked
		}
		return existing, ErrTokenExists
	}
	if err := r.journal(op); err != nil {
		return types.TokenRecord{}, err
	}
	if err := r.apply(op); err != nil {
		return types.TokenRecord{}, err
	}
	return r.records[uid], nil
}

// Revoke flags a token as revoked. Revoking twice is a no-op.
func (r *Registry) Revoke(uid string) (types.TokenRecord, error) {
	uid = NormalizeUID(uid)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[uid]
	if !ok {
		return types.TokenRecord{}, ErrTokenNotFound
	}
	if rec.Revoked {
		return rec, nil
	}

	op := registryOp{Op: opRevoke, UID: uid, At: r.now()}
	if err := r.journal(op); err != nil {
		return rec, err
	}
	if err := r.apply(op); err != nil {
		return rec, err
	}
	return r.records[uid], nil
}

// Lookup returns the record for uid
func (r *Registry) Lookup(uid string) (types.TokenRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[NormalizeUID(uid)]
	return rec, ok
}

// List returns every record ordered by registration time
func (r *Registry) List() []types.TokenRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]types.TokenRecord, 0, len(r.records))
	for _, rec := range r.records {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].RegisteredAt.Equal(list[j].RegisteredAt) {
			return list[i].UID < list[j].UID
		}
		return list[i].RegisteredAt.Before(list[j].RegisteredAt)
	})
	return list
}

// Snapshot copies the registry; later writes do not affect it
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(Snapshot, len(r.records))
	for uid, rec := range r.records {
		snap[uid] = rec
	}
	return snap
}

// Snapshot is an immutable view of the registry taken when a challenge opens
type Snapshot map[string]types.TokenRecord

// Authorize returns the record when uid names a registered, non-revoked token
func (s Snapshot) Authorize(uid string) (types.TokenRecord, bool) {
	rec, ok := s[NormalizeUID(uid)]
	if !ok || rec.Revoked {
		return types.TokenRecord{}, false
	}
	return rec, true
}
