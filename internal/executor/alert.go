package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

// Requester is the request-reply slice of *nats.Conn
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Alert is published when a failed challenge escalates
type Alert struct {
	HostID      string    `json:"host_id"`
	ChallengeID string    `json:"challenge_id"`
	PortID      string    `json:"port_id"`
	Reason      string    `json:"reason"`
	Cycle       uint64    `json:"cycle"`
	At          time.Time `json:"at"`
}

// AlertReceipt records how an alert was delivered
type AlertReceipt struct {
	Channel      string `json:"channel"`
	Acknowledged bool   `json:"acknowledged"`
	Error        string `json:"error,omitempty"`
}

type ackReply struct {
	Ack *bool `json:"ack"`
}

// Alerter delivers escalation alerts, preferring a NATS request-reply ack
// and falling back to the configured alert action
type Alerter struct {
	requester  Requester
	subject    string
	ackTimeout time.Duration
	executor   *Executor
	action     *types.Action
	logger     *logging.Logger
}

// NewAlerter creates an alerter; requester and action may each be nil
func NewAlerter(requester Requester, subject string, ackTimeout time.Duration, executor *Executor, action *types.Action, logger *logging.Logger) *Alerter {
	return &Alerter{
		requester:  requester,
		subject:    subject,
		ackTimeout: ackTimeout,
		executor:   executor,
		action:     action,
		logger:     logger,
	}
}

// Deliver tries every configured channel until one confirms delivery
func (a *Alerter) Deliver(ctx context.Context, alert Alert) AlertReceipt {
	var errs []error

	if a.requester != nil {
		err := a.request(ctx, alert)
		if err == nil {
			return AlertReceipt{Channel: "nats", Acknowledged: true}
		}
		a.logger.LogNATSEvent("nats_error", "subject", a.subject, "error", err)
		errs = append(errs, err)
	}

	if a.action != nil && a.executor != nil {
		res := a.executor.Execute(ctx, *a.action)
		if res.Status == StatusSucceeded {
			return AlertReceipt{Channel: "action", Acknowledged: true}
		}
		errs = append(errs, res.Err)
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no alert channel configured"))
	}
	a.logger.Error("Alert could not be delivered", "challenge_id", alert.ChallengeID, "error", errors.Join(errs...))
	return AlertReceipt{Channel: "log", Acknowledged: false, Error: errors.Join(errs...).Error()}
}

func (a *Alerter) request(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.ackTimeout)
	defer cancel()

	msg, err := a.requester.RequestWithContext(reqCtx, a.subject, data)
	if err != nil {
		return fmt.Errorf("alert request failed: %w", err)
	}
	if len(msg.Data) == 0 {
		return nil
	}

	var reply ackReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("malformed alert ack: %w", err)
	}
	if reply.Ack != nil && !*reply.Ack {
		return errors.New("alert rejected by receiver")
	}
	return nil
}
