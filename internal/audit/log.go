package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind names the type of an audit record
type Kind string

const (
	KindGuardianStarted    Kind = "guardian_started"
	KindStateTransition    Kind = "state_transition"
	KindChallengeOpened    Kind = "challenge_opened"
	KindChallengeResolved  Kind = "challenge_resolved"
	KindStaleSubmission    Kind = "stale_submission"
	KindBackupSealed       Kind = "backup_sealed"
	KindActionResult       Kind = "action_result"
	KindAlertDelivery      Kind = "alert_delivery"
	KindRecoveryAttempt    Kind = "recovery_attempt"
	KindTokenRegistered    Kind = "token_registered"
	KindTokenRevoked       Kind = "token_revoked"
	KindDegradedMonitoring Kind = "degraded_monitoring"
	KindQueueOverflow      Kind = "queue_overflow"
	KindBaselineMismatch   Kind = "baseline_mismatch"

	KindQueuedEventDiscarded Kind = "queued_event_discarded"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const (
	defaultReadLimit = 100
	maxReadLimit     = 1000
)

var (
	ErrChainBroken = errors.New("audit chain broken")
	ErrClosed      = errors.New("audit log closed")
)

// Record is one append-only audit entry. Each record chains to the hash of its predecessor.
type Record struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Detail    json.RawMessage `json:"detail"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Sink persists records in sequence order
type Sink interface {
	Append(ctx context.Context, r Record) error
	ReadFrom(ctx context.Context, after uint64, limit int) ([]Record, error)
	Last(ctx context.Context) (*Record, error)
	Close() error
}

// Log assigns sequence numbers and hashes, then hands records to a sink.
// A failed sink write leaves the sequence untouched so a retry reuses it.
type Log struct {
	mu       sync.Mutex
	sink     Sink
	sequence uint64
	lastHash string
	now      func() time.Time
	updates  chan struct{}
}

// NewLog resumes the chain from the sink's last record
func NewLog(ctx context.Context, sink Sink) (*Log, error) {
	l := &Log{
		sink:     sink,
		lastHash: genesisHash,
		now:      func() time.Time { return time.Now().UTC() },
		updates:  make(chan struct{}, 1),
	}

	last, err := sink.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit head: %w", err)
	}
	if last != nil {
		l.sequence = last.Sequence
		l.lastHash = last.Hash
	}
	return l, nil
}

// Open opens the configured sink ("file" or "sqlite") and resumes its chain
func Open(ctx context.Context, backend, path string) (*Log, error) {
	var (
		sink Sink
		err  error
	)
	switch backend {
	case "file":
		sink, err = OpenFileSink(path)
	case "sqlite":
		sink, err = OpenSQLiteSink(ctx, path)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", backend)
	}
	if err != nil {
		return nil, err
	}

	l, err := NewLog(ctx, sink)
	if err != nil {
		sink.Close()
		return nil, err
	}
	return l, nil
}

// Append writes one record. Detail must be JSON-serialisable.
func (l *Log) Append(ctx context.Context, kind Kind, detail map[string]any) (Record, error) {
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r := Record{
		Sequence:  l.sequence + 1,
		Timestamp: l.now(),
		Kind:      kind,
		Detail:    raw,
		PrevHash:  l.lastHash,
	}
	r.Hash = computeHash(r)

	if err := l.sink.Append(ctx, r); err != nil {
		return Record{}, fmt.Errorf("audit append failed: %w", err)
	}

	l.sequence = r.Sequence
	l.lastHash = r.Hash

	select {
	case l.updates <- struct{}{}:
	default:
	}
	return r, nil
}

// ReadFrom returns up to limit records with Sequence > cursor
func (l *Log) ReadFrom(ctx context.Context, cursor uint64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}
	return l.sink.ReadFrom(ctx, cursor, limit)
}

// Head returns the sequence number of the newest record
func (l *Log) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// Updates signals (coalesced) after every successful append
func (l *Log) Updates() <-chan struct{} {
	return l.updates
}

// Verify walks the whole chain and checks sequence continuity, linkage and hashes
func (l *Log) Verify(ctx context.Context) error {
	var cursor uint64
	prevHash := genesisHash

	for {
		batch, err := l.sink.ReadFrom(ctx, cursor, maxReadLimit)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, r := range batch {
			if r.Sequence != cursor+1 {
				return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, cursor+1, r.Sequence)
			}
			if r.PrevHash != prevHash {
				return fmt.Errorf("%w: record %d does not link to its predecessor", ErrChainBroken, r.Sequence)
			}
			if computeHash(r) != r.Hash {
				return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, r.Sequence)
			}
			cursor = r.Sequence
			prevHash = r.Hash
		}
	}
}

// Close closes the sink
func (l *Log) Close() error {
	return l.sink.Close()
}

func computeHash(r Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s",
		r.Sequence, r.Timestamp.UTC().Format(time.RFC3339Nano), r.Kind, r.Detail, r.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}
