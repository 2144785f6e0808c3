package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
)

// Publisher is the slice of *nats.Conn the forwarder needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder is a read-only consumer that publishes audit records from a
// cursor. The cursor only advances past records that were published.
type Forwarder struct {
	log        *Log
	publisher  Publisher
	subject    string
	cursorPath string
	interval   time.Duration
	batch      int
	logger     *logging.Logger
	cursor     uint64
}

// NewForwarder creates a forwarder publishing to <subject>.<hostID>. When
// cursorPath is set the cursor survives restarts.
func NewForwarder(log *Log, publisher Publisher, subject, hostID, cursorPath string, logger *logging.Logger) *Forwarder {
	f := &Forwarder{
		log:        log,
		publisher:  publisher,
		subject:    subject + "." + subjectToken(hostID),
		cursorPath: cursorPath,
		interval:   5 * time.Second,
		batch:      defaultReadLimit,
		logger:     logger,
	}
	f.cursor = f.loadCursor()
	return f
}

// Subject returns the full subject records are published on
func (f *Forwarder) Subject() string {
	return f.subject
}

// Cursor returns the sequence of the last published record
func (f *Forwarder) Cursor() uint64 {
	return f.cursor
}

// Run forwards records until ctx is done, waking on appends and on a poll interval
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("Audit forwarder started", "subject", f.subject, "cursor", f.cursor)
	for {
		if _, err := f.Flush(ctx); err != nil {
			f.logger.LogNATSEvent("nats_error", "error", err, "subject", f.subject)
		}
		select {
		case <-ctx.Done():
			f.logger.Info("Audit forwarder stopped", "cursor", f.cursor)
			return
		case <-f.log.Updates():
		case <-ticker.C:
		}
	}
}

// Flush publishes every record after the cursor and returns how many were sent
func (f *Forwarder) Flush(ctx context.Context) (int, error) {
	sent := 0
	for {
		records, err := f.log.ReadFrom(ctx, f.cursor, f.batch)
		if err != nil {
			return sent, err
		}
		if len(records) == 0 {
			return sent, nil
		}
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return sent, err
			}
			if err := f.publisher.Publish(f.subject, data); err != nil {
				f.saveCursor()
				return sent, fmt.Errorf("failed to publish audit record %d: %w", r.Sequence, err)
			}
			f.cursor = r.Sequence
			sent++
		}
		f.saveCursor()
	}
}

func (f *Forwarder) loadCursor() uint64 {
	if f.cursorPath == "" {
		return 0
	}
	data, err := os.ReadFile(f.cursorPath)
	if err != nil {
		return 0
	}
	cursor, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		f.logger.Warn("Ignoring unreadable forwarder cursor", "path", f.cursorPath, "error", err)
		return 0
	}
	return cursor
}

func (f *Forwarder) saveCursor() {
	if f.cursorPath == "" {
		return
	}
	if err := os.WriteFile(f.cursorPath, []byte(strconv.FormatUint(f.cursor, 10)), 0600); err != nil {
		f.logger.Warn("Failed to persist forwarder cursor", "path", f.cursorPath, "error", err)
	}
}

// subjectToken keeps a host id from adding NATS subject levels
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
