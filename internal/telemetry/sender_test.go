package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

type fakeConn struct {
	mu        sync.Mutex
	published []Event
	fail      bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("nats: connection closed")
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeConn) IsConnected() bool { return !f.fail }

func (f *fakeConn) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.published {
		out = append(out, ev.Type)
	}
	return out
}

func TestSender_ForwardsTransitionsAndHeartbeats(t *testing.T) {
	conn := &fakeConn{}
	snapshot := func() types.StateSnapshot {
		return types.StateSnapshot{State: types.StateLockedDown, Cycle: 3}
	}
	s := NewSender(logging.Discard(), conn, "mjolnir.telemetry", "host-1", snapshot)
	s.interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transitions := make(chan types.Transition, 1)
	s.Start(ctx, transitions)
	transitions <- types.Transition{From: types.StateIdle, To: types.StateThreatDetected, At: time.Now(), Cycle: 1}
	close(transitions)

	require.Eventually(t, func() bool {
		got := conn.eventTypes()
		hasTransition, hasHeartbeat := false, false
		for _, typ := range got {
			hasTransition = hasTransition || typ == "state_transition"
			hasHeartbeat = hasHeartbeat || typ == "guardian_heartbeat"
		}
		return hasTransition && hasHeartbeat
	}, 2*time.Second, 10*time.Millisecond)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, ev := range conn.published {
		assert.Equal(t, "host-1", ev.HostID)
		if ev.Type == "guardian_heartbeat" {
			assert.Equal(t, "locked_down", ev.Metadata["state"])
		}
		if ev.Type == "state_transition" {
			assert.Equal(t, "threat_detected", ev.Metadata["to"])
		}
	}
}

func TestSender_QueueFull(t *testing.T) {
	s := NewSender(logging.Discard(), &fakeConn{}, "subj", "h", nil)
	for i := 0; i < queueSize; i++ {
		require.NoError(t, s.SendDegraded(errors.New("enobufs")))
	}
	assert.Error(t, s.SendDegraded(errors.New("enobufs")))
	assert.Equal(t, queueSize, s.QueueSize())
}

func TestSender_IsConnected(t *testing.T) {
	assert.False(t, NewSender(logging.Discard(), nil, "s", "h", nil).IsConnected())
	assert.True(t, NewSender(logging.Discard(), &fakeConn{}, "s", "h", nil).IsConnected())
}
