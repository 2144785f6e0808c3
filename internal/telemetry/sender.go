package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

const (
	queueSize         = 1000
	heartbeatInterval = 5 * time.Second
	guardianVersion   = "1.0.0"
)

// Conn is the publishing slice of *nats.Conn
type Conn interface {
	Publish(subj string, data []byte) error
	IsConnected() bool
}

// Event is one telemetry message
type Event struct {
	Type      string            `json:"type"`
	Timestamp string            `json:"timestamp"`
	HostID    string            `json:"host_id"`
	Data      any               `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sender publishes guardian telemetry to NATS
type Sender struct {
	logger   *logging.Logger
	nc       Conn
	subject  string
	hostID   string
	snapshot func() types.StateSnapshot
	interval time.Duration
	queue    chan Event
	stopChan chan struct{}
}

// NewSender creates a telemetry sender. snapshot feeds the heartbeat.
func NewSender(logger *logging.Logger, nc Conn, subject, hostID string, snapshot func() types.StateSnapshot) *Sender {
	return &Sender{
		logger:   logger,
		nc:       nc,
		subject:  subject,
		hostID:   hostID,
		snapshot: snapshot,
		interval: heartbeatInterval,
		queue:    make(chan Event, queueSize),
		stopChan: make(chan struct{}),
	}
}

// Start starts the send loop and forwards transitions until the channel closes
func (s *Sender) Start(ctx context.Context, transitions <-chan types.Transition) {
	s.logger.Info("Starting telemetry sender", "subject", s.subject)

	go s.sendLoop(ctx)
	if transitions != nil {
		go func() {
			for t := range transitions {
				if err := s.SendTransition(t); err != nil {
					s.logger.Debug("Dropped transition telemetry", "error", err)
				}
			}
		}()
	}
}

// Stop stops the telemetry sender
func (s *Sender) Stop() {
	s.logger.Info("Stopping telemetry sender")
	close(s.stopChan)
}

// SendTransition queues a state transition
func (s *Sender) SendTransition(t types.Transition) error {
	return s.enqueue(Event{
		Type:      "state_transition",
		Timestamp: t.At.Format(time.RFC3339),
		HostID:    s.hostID,
		Data:      t,
		Metadata: map[string]string{
			"from":  string(t.From),
			"to":    string(t.To),
			"cycle": fmt.Sprintf("%d", t.Cycle),
		},
	})
}

// SendDegraded queues a degraded monitoring notice
func (s *Sender) SendDegraded(cause error) error {
	return s.enqueue(Event{
		Type:      "degraded_monitoring",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		HostID:    s.hostID,
		Metadata:  map[string]string{"error": cause.Error()},
	})
}

// SendHeartbeat queues a heartbeat carrying the current state
func (s *Sender) SendHeartbeat() error {
	event := Event{
		Type:      "guardian_heartbeat",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		HostID:    s.hostID,
		Metadata: map[string]string{
			"version": guardianVersion,
		},
	}
	if s.snapshot != nil {
		snap := s.snapshot()
		event.Data = snap
		event.Metadata["state"] = string(snap.State)
	}
	return s.enqueue(event)
}

func (s *Sender) enqueue(event Event) error {
	select {
	case s.queue <- event:
		return nil
	default:
		return fmt.Errorf("telemetry queue is full")
	}
}

func (s *Sender) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Telemetry sender context cancelled")
			return

		case <-s.stopChan:
			s.logger.Info("Telemetry sender stopped")
			return

		case event := <-s.queue:
			if err := s.publishEvent(event); err != nil {
				s.logger.Error("Failed to publish telemetry event",
					"error", err,
					"event_type", event.Type)
			}

		case <-ticker.C:
			if err := s.SendHeartbeat(); err != nil {
				s.logger.Debug("Failed to send heartbeat", "error", err)
			}
		}
	}
}

func (s *Sender) publishEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry event: %w", err)
	}

	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish telemetry event: %w", err)
	}

	s.logger.Debug("Published telemetry event",
		"subject", s.subject,
		"event_type", event.Type)
	return nil
}

// QueueSize returns the number of events waiting to be published
func (s *Sender) QueueSize() int {
	return len(s.queue)
}

// IsConnected returns whether the NATS connection is healthy
func (s *Sender) IsConnected() bool {
	return s.nc != nil && s.nc.IsConnected()
}
