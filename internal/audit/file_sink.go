package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileSink stores records as JSON lines and fsyncs every append
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	offsets []int64 // offsets[i] is where sequence i+1 starts
	size    int64
	last    *Record
}

// OpenFileSink opens (or creates) a JSONL audit file. A torn final line left
// by a crash is cut off.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	s := &FileSink{file: file}
	if err := s.index(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileSink) index() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(s.file)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var r Record
			if jsonErr := json.Unmarshal(line, &r); jsonErr != nil {
				return fmt.Errorf("corrupt audit record at offset %d: %w", offset, jsonErr)
			}
			if r.Sequence != uint64(len(s.offsets))+1 {
				return fmt.Errorf("%w: audit file has sequence %d at position %d", ErrChainBroken, r.Sequence, len(s.offsets)+1)
			}
			s.offsets = append(s.offsets, offset)
			s.last = &r
			offset += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read audit file: %w", err)
		}
	}

	// anything after the last newline is a partial write
	if err := s.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to trim audit file: %w", err)
	}
	s.size = offset
	return nil
}

// Append writes one record and syncs it to disk
func (s *FileSink) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrClosed
	}
	if r.Sequence != uint64(len(s.offsets))+1 {
		return fmt.Errorf("%w: sink expected sequence %d, got %d", ErrChainBroken, len(s.offsets)+1, r.Sequence)
	}

	if _, err := s.file.WriteAt(data, s.size); err != nil {
		_ = s.file.Truncate(s.size)
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Truncate(s.size)
		return fmt.Errorf("failed to sync audit file: %w", err)
	}

	s.offsets = append(s.offsets, s.size)
	s.size += int64(len(data))
	rec := r
	s.last = &rec
	return nil
}

// ReadFrom reads up to limit records after the given sequence
func (s *FileSink) ReadFrom(ctx context.Context, after uint64, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil, ErrClosed
	}
	if after >= uint64(len(s.offsets)) {
		return nil, nil
	}

	section := io.NewSectionReader(s.file, s.offsets[after], s.size-s.offsets[after])
	reader := bufio.NewReader(section)

	records := make([]Record, 0, min(limit, len(s.offsets)-int(after)))
	for len(records) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var r Record
			if jsonErr := json.Unmarshal(line, &r); jsonErr != nil {
				return nil, fmt.Errorf("corrupt audit record: %w", jsonErr)
			}
			records = append(records, r)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Last returns the newest record or nil
func (s *FileSink) Last(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, nil
	}
	rec := *s.last
	return &rec, nil
}

// Close closes the underlying file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
