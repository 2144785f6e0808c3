package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
)

// PresentFunc receives every uid read from the feed
type PresentFunc func(uid string) error

// FeedReader reads tag uids, one per line, written by the NFC reader bridge
// into a FIFO, character device or plain file
type FeedReader struct {
	path         string
	present      PresentFunc
	logger       *logging.Logger
	pollInterval time.Duration
}

// NewFeedReader creates a feed reader for path
func NewFeedReader(path string, present PresentFunc, logger *logging.Logger) *FeedReader {
	return &FeedReader{
		path:         path,
		present:      present,
		logger:       logger,
		pollInterval: 500 * time.Millisecond,
	}
}

// Run reads the feed until ctx is done
func (f *FeedReader) Run(ctx context.Context) error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("token feed unavailable: %w", err)
	}

	flags := os.O_RDONLY
	// opening a FIFO read-write never blocks and never sees EOF when the bridge restarts
	if info.Mode()&os.ModeNamedPipe != 0 {
		flags = os.O_RDWR
	}
	file, err := os.OpenFile(f.path, flags, 0)
	if err != nil {
		return fmt.Errorf("failed to open token feed: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			file.Close()
		case <-done:
			file.Close()
		}
	}()

	f.logger.Info("Token feed started", "path", f.path)
	reader := bufio.NewReader(file)
	var partial string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			// plain files: keep the partial line and wait for more data
			partial += line
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(f.pollInterval):
			}
			continue
		}
		f.handle(partial + line)
		partial = ""
	}
}

func (f *FeedReader) handle(line string) {
	uid := strings.TrimSpace(line)
	if uid == "" || strings.HasPrefix(uid, "#") {
		return
	}
	if err := f.present(uid); err != nil {
		f.logger.Debug("Token feed submission not accepted", "error", err)
	}
}
