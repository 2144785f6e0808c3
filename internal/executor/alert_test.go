package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

type fakeRequester struct {
	reply   []byte
	err     error
	subject string
	sent    Alert
}

func (f *fakeRequester) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject = subj
	if err := json.Unmarshal(data, &f.sent); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: f.reply}, nil
}

func TestAlerter_NATSAck(t *testing.T) {
	req := &fakeRequester{reply: []byte(`{"ack":true}`)}
	a := NewAlerter(req, "mjolnir.alerts", time.Second, nil, nil, logging.Discard())

	receipt := a.Deliver(context.Background(), Alert{HostID: "h1", ChallengeID: "c1", Reason: "challenge_timed_out"})
	assert.True(t, receipt.Acknowledged)
	assert.Equal(t, "nats", receipt.Channel)
	assert.Equal(t, "mjolnir.alerts", req.subject)
	assert.Equal(t, "c1", req.sent.ChallengeID)
}

func TestAlerter_NackFallsBackToAction(t *testing.T) {
	req := &fakeRequester{reply: []byte(`{"ack":false}`)}
	runner := &fakeRunner{}
	e, _ := newTestExecutor(runner, 1)
	action := &types.Action{Name: "page_oncall", Path: "/usr/local/bin/page"}
	a := NewAlerter(req, "mjolnir.alerts", time.Second, e, action, logging.Discard())

	receipt := a.Deliver(context.Background(), Alert{ChallengeID: "c2"})
	assert.True(t, receipt.Acknowledged)
	assert.Equal(t, "action", receipt.Channel)
	assert.Equal(t, 1, runner.calls)
}

func TestAlerter_AllChannelsFail(t *testing.T) {
	req := &fakeRequester{err: nats.ErrTimeout}
	runner := &fakeRunner{failures: 5}
	e, _ := newTestExecutor(runner, 2)
	a := NewAlerter(req, "mjolnir.alerts", time.Second, e, &types.Action{Name: "page_oncall"}, logging.Discard())

	receipt := a.Deliver(context.Background(), Alert{ChallengeID: "c3"})
	assert.False(t, receipt.Acknowledged)
	assert.Equal(t, "log", receipt.Channel)
	assert.Contains(t, receipt.Error, "timeout")
	assert.Contains(t, receipt.Error, "page_oncall")
}

func TestAlerter_NoChannels(t *testing.T) {
	a := NewAlerter(nil, "", time.Second, nil, nil, logging.Discard())
	receipt := a.Deliver(context.Background(), Alert{})
	assert.False(t, receipt.Acknowledged)
	require.NotEmpty(t, receipt.Error)
	assert.Contains(t, receipt.Error, "no alert channel")
}
