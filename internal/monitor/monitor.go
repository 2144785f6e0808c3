package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

var (
	// ErrDegradedMonitoring means events were lost; the feed keeps running
	ErrDegradedMonitoring = errors.New("degraded monitoring")
	// ErrAlreadyObserving is returned by a second Observe call
	ErrAlreadyObserving = errors.New("port monitor is already observing")
)

const (
	dedupeCacheSize = 256
	eventBuffer     = 64
	errorBackoff    = time.Second
)

// Source yields raw uevent messages
type Source interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Options configures a Monitor
type Options struct {
	TrustedPort  string
	SysfsRoot    string
	DedupeWindow time.Duration
	// OnDegraded is called for every lost-event condition
	OnDegraded func(err error)
}

// Monitor turns kernel uevents into classified port events
type Monitor struct {
	opts      Options
	source    Source
	logger    *logging.Logger
	dedupe    *lru.Cache[string, time.Time]
	observing atomic.Bool
	now       func() time.Time
}

// NewMonitor creates a monitor reading from source
func NewMonitor(opts Options, source Source, logger *logging.Logger) (*Monitor, error) {
	cache, err := lru.New[string, time.Time](dedupeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		opts:   opts,
		source: source,
		logger: logger,
		dedupe: cache,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Classify is trusted iff portID exactly equals the configured trusted port
func Classify(portID, trustedPort string) types.TrustClass {
	switch {
	case portID == "":
		return types.TrustClassUnknown
	case trustedPort != "" && portID == trustedPort:
		return types.TrustClassTrusted
	default:
		return types.TrustClassUntrusted
	}
}

// Observe starts the feed. It may be called once; the channel closes when ctx is done.
func (m *Monitor) Observe(ctx context.Context) (<-chan types.PortEvent, error) {
	if !m.observing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyObserving
	}

	out := make(chan types.PortEvent, eventBuffer)
	go m.run(ctx, out)
	return out, nil
}

func (m *Monitor) run(ctx context.Context, out chan<- types.PortEvent) {
	defer close(out)
	defer m.source.Close()

	m.scanPresent(ctx, out)

	for {
		msg, err := m.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrDegradedMonitoring) {
				m.degraded(err)
			} else {
				// a broken source loses events until it recovers
				m.degraded(fmt.Errorf("%w: %v", ErrDegradedMonitoring, err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(errorBackoff):
				}
			}
			continue
		}

		event, ok := m.translate(msg)
		if !ok {
			continue
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

// translate filters, classifies and dedupes one raw message
func (m *Monitor) translate(msg []byte) (types.PortEvent, bool) {
	ev, err := ParseUevent(msg)
	if err != nil || !ev.IsUSBDevice() {
		return types.PortEvent{}, false
	}

	portID := PortIDFromDevPath(ev.DevPath)
	if portID == "" {
		return types.PortEvent{}, false
	}

	now := m.now()
	if m.duplicate(ev, now) {
		return types.PortEvent{}, false
	}

	action := types.PortActionAttach
	fingerprint := fingerprintFromProduct(ev.Product)
	if ev.Action == "remove" {
		action = types.PortActionDetach
	} else if serial := deviceSerial(m.opts.SysfsRoot, ev.DevPath); serial != "" && fingerprint != "" {
		fingerprint += ":" + serial
	}

	return types.PortEvent{
		PortID:            portID,
		DevicePath:        ev.DevPath,
		DeviceFingerprint: fingerprint,
		Action:            action,
		ObservedAt:        now,
		TrustClass:        Classify(portID, m.opts.TrustedPort),
	}, true
}

// duplicate reports whether ev is a repeated delivery of an event already
// emitted within the dedupe window. The kernel gives every uevent its own
// SEQNUM, so a real add/remove/add sequence is never suppressed.
func (m *Monitor) duplicate(ev *Uevent, now time.Time) bool {
	key := ev.Action + "|" + ev.DevPath
	if ev.Seqnum != "" {
		key = "seq|" + ev.Seqnum
	}
	if last, ok := m.dedupe.Get(key); ok && now.Sub(last) < m.opts.DedupeWindow {
		return true
	}
	m.dedupe.Add(key, now)

	// without sequence numbers, the opposite transition ends the window
	opposite := "remove"
	if ev.Action == "remove" {
		opposite = "add"
	}
	m.dedupe.Remove(opposite + "|" + ev.DevPath)
	return false
}

// scanPresent reports devices attached before the monitor started
func (m *Monitor) scanPresent(ctx context.Context, out chan<- types.PortEvent) {
	if m.opts.SysfsRoot == "" {
		return
	}
	ports, err := ListPorts(m.opts.SysfsRoot)
	if err != nil {
		m.logger.Warn("Startup USB scan failed", "sysfs_root", m.opts.SysfsRoot, "error", err)
		return
	}

	for _, p := range ports {
		event := types.PortEvent{
			PortID:            p.PortID,
			DevicePath:        p.DevicePath,
			DeviceFingerprint: p.Fingerprint(),
			Action:            types.PortActionPresent,
			ObservedAt:        m.now(),
			TrustClass:        Classify(p.PortID, m.opts.TrustedPort),
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) degraded(err error) {
	m.logger.LogPortEvent("degraded_monitoring", "", "error", err)
	if m.opts.OnDegraded != nil {
		m.opts.OnDegraded(err)
	}
}
