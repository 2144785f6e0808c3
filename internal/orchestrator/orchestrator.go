package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harpyharpoon/MJOLNIR/internal/audit"
	"github.com/harpyharpoon/MJOLNIR/internal/auth"
	"github.com/harpyharpoon/MJOLNIR/internal/executor"
	"github.com/harpyharpoon/MJOLNIR/internal/integrity"
	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/metrics"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

var (
	// ErrNotLockedDown is returned by Recover outside of locked_down
	ErrNotLockedDown = errors.New("system is not locked down")
	// ErrRecoveryDenied is returned for a wrong recovery credential
	ErrRecoveryDenied = errors.New("recovery denied")
)

const (
	defaultMaxQueued   = 16
	subscriberBuffer   = 32
	shutdownAuditGrace = 5 * time.Second
)

var allStates = []string{
	string(types.StateIdle),
	string(types.StateThreatDetected),
	string(types.StateAwaitingAuthentication),
	string(types.StateAuthenticated),
	string(types.StateEscalating),
	string(types.StateLockedDown),
	string(types.StateRecovering),
}

// Auditor appends records to the audit log
type Auditor interface {
	Append(ctx context.Context, kind audit.Kind, detail map[string]any) (audit.Record, error)
}

// Authenticator is the challenge gate
type Authenticator interface {
	OpenChallenge(window time.Duration) (auth.Challenge, error)
	Present(uid string) error
	Cancel() bool
	Outcomes() <-chan auth.Resolution
}

// Capturer takes the emergency backup
type Capturer interface {
	Capture(ctx context.Context, artifacts []types.Artifact) (*integrity.Manifest, error)
}

// ActionExecutor runs privileged actions
type ActionExecutor interface {
	Execute(ctx context.Context, action types.Action) executor.Result
}

// AlertDeliverer delivers escalation alerts
type AlertDeliverer interface {
	Deliver(ctx context.Context, alert executor.Alert) executor.AlertReceipt
}

// CredentialVerifier checks the recovery credential
type CredentialVerifier interface {
	Verify(secret string) bool
}

// Options holds the orchestrator's policy settings
type Options struct {
	HostID          string
	ChallengeWindow time.Duration
	Policy          types.EscalationPolicy
	Artifacts       []types.Artifact
	LockdownActions []types.Action
	MaxQueuedEvents int
	AuditRetry      executor.BackoffPolicy
}

// Deps are the components the orchestrator drives. Alerter and Recovery may be nil.
type Deps struct {
	Gate      Authenticator
	Audit     Auditor
	Integrity Capturer
	Executor  ActionExecutor
	Alerter   AlertDeliverer
	Recovery  CredentialVerifier
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

type recoveryRequest struct {
	credential string
	reply      chan error
}

// Orchestrator is the single owner of the security state. Every mutation
// happens on the Run goroutine; other goroutines read snapshots.
type Orchestrator struct {
	opts    Options
	gate    Authenticator
	audit   Auditor
	capture Capturer
	exec    ActionExecutor
	alerter AlertDeliverer
	creds   CredentialVerifier
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time

	// loop-owned
	state       types.SecurityState
	since       time.Time
	cycle       uint64
	challenge   *auth.Challenge
	challengeID string
	trigger     types.PortEvent
	manifestID  string
	queue       []types.PortEvent

	snapshot  atomic.Pointer[types.StateSnapshot]
	recoverCh chan recoveryRequest
	running   atomic.Bool

	subsMu  sync.Mutex
	subs    map[int]chan types.Transition
	nextSub int
	closed  bool
}

// New creates an orchestrator in the idle state
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Gate == nil || deps.Audit == nil || deps.Integrity == nil || deps.Executor == nil {
		return nil, errors.New("orchestrator requires gate, audit, integrity and executor")
	}
	if opts.ChallengeWindow <= 0 {
		return nil, errors.New("challenge window must be positive")
	}
	if opts.Policy == "" {
		opts.Policy = types.PolicyProceedLockdown
	}
	if opts.MaxQueuedEvents <= 0 {
		opts.MaxQueuedEvents = defaultMaxQueued
	}
	if opts.AuditRetry.Base <= 0 {
		opts.AuditRetry = executor.BackoffPolicy{Base: 100 * time.Millisecond, Max: 5 * time.Second, MaxJitter: 50 * time.Millisecond}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	o := &Orchestrator{
		opts:      opts,
		gate:      deps.Gate,
		audit:     deps.Audit,
		capture:   deps.Integrity,
		exec:      deps.Executor,
		alerter:   deps.Alerter,
		creds:     deps.Recovery,
		metrics:   deps.Metrics,
		logger:    deps.Logger.WithComponent("orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
		state:     types.StateIdle,
		recoverCh: make(chan recoveryRequest),
		subs:      make(map[int]chan types.Transition),
	}
	o.since = o.now()
	o.publishSnapshot()
	o.metrics.SetState(string(o.state), allStates)
	return o, nil
}

// Snapshot returns the latest published state
func (o *Orchestrator) Snapshot() types.StateSnapshot {
	return *o.snapshot.Load()
}

// Subscribe returns a channel receiving every transition. Slow subscribers
// miss transitions rather than stall the loop. The channel is closed when Run
// returns or when the returned func is called.
func (o *Orchestrator) Subscribe() (<-chan types.Transition, func()) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	ch := make(chan types.Transition, subscriberBuffer)
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch

	return ch, func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
	}
}

// Run drives the state machine until ctx is done. A closed events channel
// stops port input but the loop keeps serving challenges and recovery.
func (o *Orchestrator) Run(ctx context.Context, events <-chan types.PortEvent) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator is already running")
	}
	defer o.closeSubscribers()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil

		case ev, ok := <-events:
			if !ok {
				o.logger.Warn("Port event feed closed")
				events = nil
				continue
			}
			o.handlePortEvent(ctx, ev)

		case res := <-o.gate.Outcomes():
			o.handleResolution(ctx, res)

		case req := <-o.recoverCh:
			req.reply <- o.handleRecover(ctx, req.credential)
		}

		o.drainQueue(ctx)
	}
}

// Present forwards a token uid to the gate. Stale submissions are logged,
// counted and audited; callers must not reveal the result to the presenter.
func (o *Orchestrator) Present(ctx context.Context, uid string) error {
	err := o.gate.Present(uid)
	if errors.Is(err, auth.ErrStaleSubmission) {
		o.metrics.StaleSubmissions.Inc()
		o.logger.LogSecurityEvent("stale_submission", "state", string(o.Snapshot().State))
		if _, auditErr := o.audit.Append(ctx, audit.KindStaleSubmission, map[string]any{
			"token_uid": auth.NormalizeUID(uid),
			"state":     o.Snapshot().State,
		}); auditErr != nil {
			o.metrics.AuditAppendErrors.Inc()
			o.logger.Error("Failed to audit stale submission", "error", auditErr)
		}
	}
	return err
}

// Recover leaves locked_down when credential verifies
func (o *Orchestrator) Recover(ctx context.Context, credential string) error {
	req := recoveryRequest{credential: credential, reply: make(chan error, 1)}
	select {
	case o.recoverCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportDegraded records lost port events; safe from any goroutine
func (o *Orchestrator) ReportDegraded(ctx context.Context, cause error) {
	o.metrics.DegradedMonitoring.Inc()
	if _, err := o.audit.Append(ctx, audit.KindDegradedMonitoring, map[string]any{
		"error": cause.Error(),
	}); err != nil {
		o.metrics.AuditAppendErrors.Inc()
		o.logger.Error("Failed to audit degraded monitoring", "error", err)
	}
}

func (o *Orchestrator) handlePortEvent(ctx context.Context, ev types.PortEvent) {
	o.metrics.PortEventsTotal.WithLabelValues(string(ev.Action), string(ev.TrustClass)).Inc()

	switch {
	case ev.Action == types.PortActionPresent:
		o.logger.LogPortEvent("present_at_startup", ev.PortID, "trust_class", ev.TrustClass, "fingerprint", ev.DeviceFingerprint)
	case ev.Action == types.PortActionDetach:
		o.logger.LogPortEvent("detach", ev.PortID)
	case ev.TrustClass == types.TrustClassTrusted:
		o.logger.LogPortEvent("trusted_attach", ev.PortID, "fingerprint", ev.DeviceFingerprint)
	default:
		o.logger.LogPortEvent("untrusted_attach", ev.PortID, "fingerprint", ev.DeviceFingerprint, "state", o.state)
	}

	if !ev.IsThreat() {
		return
	}
	if o.state != types.StateIdle {
		o.enqueue(ctx, ev)
		return
	}
	o.startCycle(ctx, ev)
}

func (o *Orchestrator) enqueue(ctx context.Context, ev types.PortEvent) {
	if len(o.queue) >= o.opts.MaxQueuedEvents {
		o.metrics.DegradedMonitoring.Inc()
		o.logger.LogPortEvent("degraded_monitoring", ev.PortID, "reason", "queue full", "queued", len(o.queue))
		o.appendAudit(ctx, audit.KindQueueOverflow, map[string]any{
			"port_id":     ev.PortID,
			"queued":      len(o.queue),
			"observed_at": ev.ObservedAt,
		})
		return
	}
	o.queue = append(o.queue, ev)
	o.metrics.QueuedEvents.Set(float64(len(o.queue)))
	o.publishSnapshot()
}

// drainQueue starts the next queued cycle once the current one is over
func (o *Orchestrator) drainQueue(ctx context.Context) {
	for o.state == types.StateIdle && len(o.queue) > 0 && ctx.Err() == nil {
		ev := o.queue[0]
		o.queue = o.queue[1:]
		o.metrics.QueuedEvents.Set(float64(len(o.queue)))
		o.startCycle(ctx, ev)
	}
}

func (o *Orchestrator) startCycle(ctx context.Context, ev types.PortEvent) {
	o.cycle++
	o.trigger = ev
	o.challengeID = ""
	o.manifestID = ""

	o.transition(ctx, types.StateThreatDetected, "untrusted attach", map[string]any{
		"port_id":     ev.PortID,
		"fingerprint": ev.DeviceFingerprint,
	})

	challenge, err := o.gate.OpenChallenge(o.opts.ChallengeWindow)
	if err != nil {
		// no outcome will ever arrive for this cycle
		o.logger.LogSecurityEvent("challenge_already_open", "cycle", o.cycle, "error", err)
		o.transition(ctx, types.StateAwaitingAuthentication, "challenge unavailable", nil)
		o.transition(ctx, types.StateEscalating, "challenge unavailable", map[string]any{"error": err.Error()})
		o.escalate(ctx, "challenge_unavailable")
		return
	}
	o.challenge = &challenge
	o.challengeID = challenge.ID

	o.appendAudit(ctx, audit.KindChallengeOpened, map[string]any{
		"challenge_id": challenge.ID,
		"port_id":      ev.PortID,
		"deadline":     challenge.Deadline,
		"cycle":        o.cycle,
	})
	o.logger.LogSecurityEvent("challenge_opened",
		"challenge_id", challenge.ID,
		"port_id", ev.PortID,
		"deadline", challenge.Deadline)
	o.transition(ctx, types.StateAwaitingAuthentication, "challenge opened", map[string]any{
		"challenge_id": challenge.ID,
	})
}

func (o *Orchestrator) handleResolution(ctx context.Context, res auth.Resolution) {
	o.recordResolution(ctx, res)

	if o.state != types.StateAwaitingAuthentication || o.challenge == nil || o.challenge.ID != res.Challenge.ID {
		o.logger.Warn("Ignoring resolution for a challenge that is not current",
			"challenge_id", res.Challenge.ID,
			"state", o.state)
		return
	}
	o.challenge = nil

	switch {
	case res.Challenge.Outcome == auth.OutcomeCancelled:
		// only Cancel on shutdown produces this; the state is not advanced
		return
	case res.Authorized():
		o.logger.LogSecurityEvent("challenge_satisfied", "challenge_id", res.Challenge.ID, "label", res.Token.Label)
		o.transition(ctx, types.StateAuthenticated, "token accepted", map[string]any{
			"challenge_id": res.Challenge.ID,
			"label":        res.Token.Label,
		})
		o.transition(ctx, types.StateIdle, "cycle complete", nil)
	default:
		reason := string(res.Challenge.Outcome)
		if res.Challenge.Outcome == auth.OutcomeTimedOut {
			o.logger.LogSecurityEvent("challenge_timed_out", "challenge_id", res.Challenge.ID)
		} else {
			reason = "unrecognized_token"
			o.logger.LogSecurityEvent("unrecognized_token", "challenge_id", res.Challenge.ID)
		}
		o.transition(ctx, types.StateEscalating, reason, map[string]any{
			"challenge_id": res.Challenge.ID,
		})
		o.escalate(ctx, reason)
	}
}

// recordResolution writes the one challenge_resolved record of a challenge
func (o *Orchestrator) recordResolution(ctx context.Context, res auth.Resolution) {
	label := string(res.Challenge.Outcome)
	if res.Challenge.Outcome == auth.OutcomeSatisfied {
		label = "unauthorized"
		if res.Authorized() {
			label = "authorized"
		}
	}
	o.metrics.ChallengesTotal.WithLabelValues(label).Inc()

	detail := map[string]any{
		"challenge_id": res.Challenge.ID,
		"outcome":      res.Challenge.Outcome,
		"authorized":   res.Authorized(),
		"resolved_at":  res.ResolvedAt,
	}
	if res.TokenUID != "" {
		detail["token_uid"] = res.TokenUID
	}
	o.appendAudit(ctx, audit.KindChallengeResolved, detail)
}

func (o *Orchestrator) escalate(ctx context.Context, reason string) {
	switch o.opts.Policy {
	case types.PolicyLogOnly:
		o.transition(ctx, types.StateIdle, "log_only policy", map[string]any{"cause": reason})
	case types.PolicyEscalateAlert:
		o.lockdown(ctx, reason, true)
	default:
		o.lockdown(ctx, reason, false)
	}
}

func (o *Orchestrator) sendAlert(ctx context.Context, reason string) {
	receipt := executor.AlertReceipt{Channel: "log", Error: "no alerter configured"}
	if o.alerter != nil {
		receipt = o.alerter.Deliver(ctx, executor.Alert{
			HostID:      o.opts.HostID,
			ChallengeID: o.challengeID,
			PortID:      o.trigger.PortID,
			Reason:      reason,
			Cycle:       o.cycle,
			At:          o.now(),
		})
	}
	o.appendAudit(ctx, audit.KindAlertDelivery, map[string]any{
		"channel":      receipt.Channel,
		"acknowledged": receipt.Acknowledged,
		"error":        receipt.Error,
		"cycle":        o.cycle,
	})
}

// lockdown seals the backup before the first privileged action. The alert
// may run an external command, so it goes after the seal as well.
func (o *Orchestrator) lockdown(ctx context.Context, reason string, alert bool) {
	o.logger.LogSecurityEvent("lockdown_started", "cycle", o.cycle, "reason", reason)

	started := o.now()
	manifest, err := o.capture.Capture(ctx, o.opts.Artifacts)
	o.metrics.BackupDuration.Observe(o.now().Sub(started).Seconds())

	detail := map[string]any{"cycle": o.cycle}
	if manifest != nil {
		summary := manifest.Summary()
		o.manifestID = manifest.ID
		o.metrics.ArtifactCaptureFails.Add(float64(summary.Failed))
		detail["manifest_id"] = manifest.ID
		detail["manifest_digest"] = manifest.Digest
		detail["archive_digest"] = manifest.ArchiveDigest
		detail["entries"] = summary.Entries
		detail["failed"] = summary.Failed
		detail["mandatory_failed"] = manifest.MandatoryFailures()
		detail["encrypted"] = manifest.Encrypted
		if captureErr := manifest.CaptureErrors(); captureErr != nil {
			o.logger.LogBackupEvent("artifact_failed", "manifest_id", manifest.ID, "error", captureErr)
		}
		if n := manifest.MandatoryFailures(); n > 0 {
			o.logger.LogSecurityEvent("mandatory_artifact_failed", "cycle", o.cycle, "manifest_id", manifest.ID, "count", n)
		}
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	o.appendAudit(ctx, audit.KindBackupSealed, detail)

	if alert {
		o.sendAlert(ctx, reason)
	}

	for _, action := range o.opts.LockdownActions {
		res := o.exec.Execute(ctx, action)
		o.metrics.ActionsTotal.WithLabelValues(action.Name, string(res.Status)).Inc()
		o.appendAudit(ctx, audit.KindActionResult, map[string]any{
			"action":    res.Action,
			"run_id":    res.RunID,
			"status":    res.Status,
			"attempts":  res.Attempts,
			"exit_code": res.ExitCode,
			"error":     res.Error,
			"cycle":     o.cycle,
		})
	}

	o.transition(ctx, types.StateLockedDown, reason, map[string]any{"manifest_id": o.manifestID})
	o.logger.LogSecurityEvent("locked_down", "cycle", o.cycle, "manifest_id", o.manifestID)
}

func (o *Orchestrator) handleRecover(ctx context.Context, credential string) error {
	if o.state != types.StateLockedDown {
		return ErrNotLockedDown
	}

	accepted := o.creds != nil && o.creds.Verify(credential)
	o.appendAudit(ctx, audit.KindRecoveryAttempt, map[string]any{
		"accepted": accepted,
		"cycle":    o.cycle,
	})
	if !accepted {
		o.logger.LogSecurityEvent("recovery_denied", "cycle", o.cycle)
		return ErrRecoveryDenied
	}

	o.transition(ctx, types.StateRecovering, "recovery credential accepted", nil)
	// attaches seen during lockdown belong to the incident that caused it
	dropped := len(o.queue)
	for _, ev := range o.queue {
		o.appendAudit(ctx, audit.KindQueuedEventDiscarded, map[string]any{
			"port_id":     ev.PortID,
			"fingerprint": ev.DeviceFingerprint,
			"observed_at": ev.ObservedAt,
			"cycle":       o.cycle,
		})
	}
	o.queue = nil
	o.metrics.QueuedEvents.Set(0)
	o.manifestID = ""
	o.challengeID = ""
	o.transition(ctx, types.StateIdle, "recovered", map[string]any{"dropped_events": dropped})
	o.logger.LogSecurityEvent("recovered", "cycle", o.cycle, "dropped_events", dropped)
	return nil
}

// transition records the change before applying it
func (o *Orchestrator) transition(ctx context.Context, to types.SecurityState, reason string, extra map[string]any) {
	from := o.state
	if !types.CanTransition(from, to) {
		o.logger.Error("Illegal state transition refused", "from", from, "to", to, "reason", reason)
		return
	}

	detail := map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
		"cycle":  o.cycle,
	}
	for k, v := range extra {
		detail[k] = v
	}
	o.appendAudit(ctx, audit.KindStateTransition, detail)

	o.state = to
	o.since = o.now()
	o.metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	o.metrics.SetState(string(to), allStates)
	o.publishSnapshot()
	o.broadcast(types.Transition{From: from, To: to, At: o.since, Reason: reason, Cycle: o.cycle})
}

// appendAudit retries until the record is written or ctx ends, stalling the loop
func (o *Orchestrator) appendAudit(ctx context.Context, kind audit.Kind, detail map[string]any) {
	for attempt := 0; ; attempt++ {
		_, err := o.audit.Append(ctx, kind, detail)
		if err == nil {
			return
		}
		o.metrics.AuditAppendErrors.Inc()

		delay := o.opts.AuditRetry.Delay("audit", string(kind), attempt)
		o.logger.Error("Audit append failed, loop stalled",
			"kind", kind,
			"attempt", attempt+1,
			"retry_in", delay.String(),
			"error", err)

		select {
		case <-ctx.Done():
			o.logger.Error("Audit record lost on shutdown", "kind", kind, "error", fmt.Errorf("%w: %v", ctx.Err(), err))
			return
		case <-time.After(delay):
		}
	}
}

func (o *Orchestrator) publishSnapshot() {
	snap := &types.StateSnapshot{
		State:        o.state,
		Since:        o.since,
		ChallengeID:  o.challengeID,
		ManifestID:   o.manifestID,
		QueuedEvents: len(o.queue),
		Cycle:        o.cycle,
	}
	o.snapshot.Store(snap)
}

func (o *Orchestrator) broadcast(t types.Transition) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.closed = true
}

// shutdown cancels a pending challenge so its outcome is still recorded
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownAuditGrace)
	defer cancel()

	if !o.gate.Cancel() && o.challenge == nil {
		return
	}
	// either Cancel won, or the timer or Present already did and is delivering
	select {
	case res := <-o.gate.Outcomes():
		o.recordResolution(ctx, res)
	case <-ctx.Done():
	}
}
