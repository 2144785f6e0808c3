package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harpyharpoon/MJOLNIR/internal/audit"
	"github.com/harpyharpoon/MJOLNIR/internal/auth"
	"github.com/harpyharpoon/MJOLNIR/internal/executor"
	"github.com/harpyharpoon/MJOLNIR/internal/integrity"
	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/metrics"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

const (
	registeredUID  = "04A1B2C3"
	recoverySecret = "correct horse battery staple"
)

// trace records the order in which side effects happened
type trace struct {
	mu      sync.Mutex
	entries []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.entries = append(tr.entries, s)
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.entries...)
}

type auditEntry struct {
	kind   audit.Kind
	detail map[string]any
}

type recordingAudit struct {
	mu       sync.Mutex
	entries  []auditEntry
	failures int
}

func (r *recordingAudit) Append(ctx context.Context, kind audit.Kind, detail map[string]any) (audit.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return audit.Record{}, errors.New("disk full")
	}
	r.entries = append(r.entries, auditEntry{kind: kind, detail: detail})
	return audit.Record{Sequence: uint64(len(r.entries)), Kind: kind}, nil
}

func (r *recordingAudit) all() []auditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auditEntry(nil), r.entries...)
}

func (r *recordingAudit) kinds() []audit.Kind {
	var kinds []audit.Kind
	for _, e := range r.all() {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

func (r *recordingAudit) count(kind audit.Kind) int {
	n := 0
	for _, e := range r.all() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingAudit) transitions() []string {
	var out []string
	for _, e := range r.all() {
		if e.kind == audit.KindStateTransition {
			out = append(out, fmt.Sprintf("%v>%v", e.detail["from"], e.detail["to"]))
		}
	}
	return out
}

type fakeCapture struct {
	trace   *trace
	calls   int
	entries []integrity.Entry
}

func (f *fakeCapture) Capture(ctx context.Context, artifacts []types.Artifact) (*integrity.Manifest, error) {
	f.trace.add("capture")
	f.calls++
	m := &integrity.Manifest{ID: uuid.NewString(), CreatedAt: time.Now().UTC(), Entries: f.entries}
	if err := m.Seal(time.Now().UTC()); err != nil {
		return nil, err
	}
	return m, nil
}

type fakeExecutor struct {
	trace *trace
	fail  bool
}

func (f *fakeExecutor) Execute(ctx context.Context, action types.Action) executor.Result {
	f.trace.add("exec:" + action.Name)
	if f.fail {
		return executor.Result{Action: action.Name, Status: executor.StatusFatal, Attempts: 3, Error: "action fatal"}
	}
	return executor.Result{Action: action.Name, Status: executor.StatusSucceeded, Attempts: 1}
}

type fakeAlerter struct {
	trace   *trace
	receipt executor.AlertReceipt
}

func (f *fakeAlerter) Deliver(ctx context.Context, alert executor.Alert) executor.AlertReceipt {
	f.trace.add("alert:" + alert.Reason)
	return f.receipt
}

// tracingRunner stands in for child processes behind a real Executor
type tracingRunner struct {
	trace *trace
}

func (r tracingRunner) Run(ctx context.Context, action types.Action) (executor.RunOutput, error) {
	r.trace.add("exec:" + action.Name)
	return executor.RunOutput{}, nil
}

type secretVerifier string

func (s secretVerifier) Verify(secret string) bool {
	return secret == string(s)
}

type harness struct {
	o        *Orchestrator
	registry *auth.Registry
	audit    *recordingAudit
	trace    *trace
	capture  *fakeCapture
	metrics  *metrics.Metrics
	events   chan types.PortEvent
	cancel   context.CancelFunc
	done     chan error
}

type harnessOption func(*Options, *Deps)

func withAlerter(a AlertDeliverer) harnessOption {
	return func(_ *Options, d *Deps) { d.Alerter = a }
}

func withCaptureEntries(entries ...integrity.Entry) harnessOption {
	return func(_ *Options, d *Deps) { d.Integrity.(*fakeCapture).entries = entries }
}

// withSharedExecutor runs lockdown and alert actions through one real Executor
func withSharedExecutor(alertAction types.Action) harnessOption {
	return func(_ *Options, d *Deps) {
		tr := d.Integrity.(*fakeCapture).trace
		exec := executor.NewExecutor(tracingRunner{trace: tr}, executor.BackoffPolicy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 1}, logging.Discard())
		d.Executor = exec
		d.Alerter = executor.NewAlerter(nil, "", 0, exec, &alertAction, logging.Discard())
	}
}

func withQueueLimit(n int) harnessOption {
	return func(o *Options, _ *Deps) { o.MaxQueuedEvents = n }
}

func newHarness(t *testing.T, policy types.EscalationPolicy, window time.Duration, rec *recordingAudit, extra ...harnessOption) *harness {
	t.Helper()

	registry, err := auth.LoadRegistry(filepath.Join(t.TempDir(), "tokens.jsonl"))
	require.NoError(t, err)
	_, err = registry.Register(registeredUID, "primary")
	require.NoError(t, err)

	if rec == nil {
		rec = &recordingAudit{}
	}
	tr := &trace{}
	capture := &fakeCapture{trace: tr}
	m := metrics.NewMetrics(nil)

	opts := Options{
		HostID:          "host-1",
		ChallengeWindow: window,
		Policy:          policy,
		LockdownActions: []types.Action{{Name: "lock_screen"}, {Name: "network_down"}},
		AuditRetry:      executor.BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}
	deps := Deps{
		Gate:      auth.NewGate(registry),
		Audit:     rec,
		Integrity: capture,
		Executor:  &fakeExecutor{trace: tr},
		Recovery:  secretVerifier(recoverySecret),
		Metrics:   m,
		Logger:    logging.Discard(),
	}
	for _, fn := range extra {
		fn(&opts, &deps)
	}

	o, err := New(opts, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		o:        o,
		registry: registry,
		audit:    rec,
		trace:    tr,
		capture:  capture,
		metrics:  m,
		events:   make(chan types.PortEvent),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { h.done <- o.Run(ctx, h.events) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
	h.done <- nil
}

func (h *harness) attach(portID string, trust types.TrustClass) {
	h.events <- types.PortEvent{
		PortID:     portID,
		Action:     types.PortActionAttach,
		ObservedAt: time.Now().UTC(),
		TrustClass: trust,
	}
}

func (h *harness) waitState(t *testing.T, state types.SecurityState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.o.Snapshot().State == state
	}, 3*time.Second, 5*time.Millisecond, "never reached %s (at %s)", state, h.o.Snapshot().State)
}

func TestTrustedAndInformationalEventsNeverOpenChallenge(t *testing.T) {
	h := newHarness(t, types.PolicyProceedLockdown, time.Minute, nil)

	h.attach("1-1", types.TrustClassTrusted)
	h.events <- types.PortEvent{PortID: "1-2", Action: types.PortActionPresent, TrustClass: types.TrustClassUntrusted}
	h.events <- types.PortEvent{PortID: "1-2", Action: types.PortActionDetach, TrustClass: types.TrustClassUntrusted}

	// recovery requests are served by the same loop, so this returns after the events
	assert.ErrorIs(t, h.o.Recover(context.Background(), recoverySecret), ErrNotLockedDown)
	assert.Equal(t, types.StateIdle, h.o.Snapshot().State)
	assert.Empty(t, h.audit.transitions())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.PortEventsTotal.WithLabelValues("attach", "trusted"))+
		testutil.ToFloat64(h.metrics.PortEventsTotal.WithLabelValues("present", "untrusted"))+
		testutil.ToFloat64(h.metrics.PortEventsTotal.WithLabelValues("detach", "untrusted")))
}

func TestRegisteredTokenAuthenticates(t *testing.T) {
	h := newHarness(t, types.PolicyProceedLockdown, 5*time.Second, nil)

	h.attach("1-2", types.TrustClassUntrusted)
	h.waitState(t, types.StateAwaitingAuthentication)
	require.NotEmpty(t, h.o.Snapshot().ChallengeID)

	require.NoError(t, h.o.Present(context.Background(), "04:a1:b2:c3"))
	require.Eventually(t, func() bool { return len(h.audit.transitions()) == 4 }, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"idle>threat_detected",
		"threat_detected>awaiting_authentication",
		"awaiting_authentication>authenticated",
		"authenticated>idle",
	}, h.audit.transitions())
	assert.Equal(t, []audit.Kind{
		audit.KindStateTransition,
		audit.KindChallengeOpened,
		audit.KindStateTransition,
		audit.KindChallengeResolved,
		audit.KindStateTransition,
		audit.KindStateTransition,
	}, h.audit.kinds())
	assert.Equal(t, types.StateIdle, h.o.Snapshot().State)
	assert.Empty(t, h.trace.list(), "no backup or action for an authenticated cycle")
}

func TestTimeoutLocksDownWithBackupBeforeActions(t *testing.T) {
	h := newHarness(t, types.PolicyProceedLockdown, 30*time.Millisecond, nil)
	transitions, unsubscribe := h.o.Subscribe()
	defer unsubscribe()

	h.attach("1-2", types.TrustClassUntrusted)
	h.waitState(t, types.StateLockedDown)

	assert.Equal(t, []string{"capture", "exec:lock_screen", "exec:network_down"}, h.trace.list())
	assert.Equal(t, 1, h.audit.count(audit.KindChallengeResolved))
	assert.Equal(t, 1, h.audit.count(audit.KindBackupSealed))
	assert.Equal(t, 2, h.audit.count(audit.KindActionResult))
	assert.NotEmpty(t, h.o.Snapshot().ManifestID)

	kinds := h.audit.kinds()
	backupAt, firstAction := -1, -1
	for i, k := range kinds {
		if k == audit.KindBackupSealed && backupAt < 0 {
			backupAt = i
		}
		if k == audit.KindActionResult && firstAction < 0 {
			firstAction = i
		}
	}
	assert.Less(t, backupAt, firstAction)

	var seen []types.SecurityState
	for len(seen) < 4 {
		select {
		case tr := <-transitions:
			seen = append(seen, tr.To)
		case <-time.After(time.Second):
			t.Fatalf("missing transitions, got %v", seen)
		}
	}
	assert.Equal(t, []types.SecurityState{
		types.StateThreatDetected,
		types.StateAwaitingAuthentication,
		types.StateEscalating,
		types.StateLockedDown,
	}, seen)

	// untrusted attaches during lockdown are queued, not acted on
	h.attach("1-3", types.TrustClassUntrusted)
	require.Eventually(t, func() bool { return h.o.Snapshot().QueuedEvents == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.o.Recover(context.Background(), "wrong"), ErrRecoveryDenied)
	assert.Equal(t, types.StateLockedDown, h.o.Snapshot().State)

	require.NoError(t, h.o.Recover(context.Background(), recoverySecret))
	snap := h.o.Snapshot()
	assert.Equal(t, types.StateIdle, snap.State)
	assert.Zero(t, snap.QueuedEvents, "recovery clears the queue")
	var discarded []any
	for _, e := range h.audit.all() {
		if e.kind == audit.KindQueuedEventDiscarded {
			discarded = append(discarded, e.detail["port_id"])
		}
	}
	assert.Equal(t, []any{"1-3"}, discarded, "each discarded attach is audited")
	assert.Equal(t, 2, h.audit.count(audit.KindRecoveryAttempt))
	assert.Equal(t, 1, h.capture.calls)
}

func TestUnknownAndRevokedTokensEscalateLikeTimeout(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*testing.T, *auth.Registry) string
	}{
		{
			name:  "unknown",
			setup: func(*testing.T, *auth.Registry) string { return "DEADBEEF" },
		},
		{
			name: "revoked",
			setup: func(t *testing.T, r *auth.Registry) string {
				_, err := r.Revoke(registeredUID)
				require.NoError(t, err)
				return registeredUID
			},
		},
		{
			name:  "garbage",
			setup: func(*testing.T, *auth.Registry) string { return "not-a-uid!" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, types.PolicyLogOnly, 5*time.Second, nil)
			uid := tt.setup(t, h.registry)

			h.attach("1-2", types.TrustClassUntrusted)
			h.waitState(t, types.StateAwaitingAuthentication)

			assert.NoError(t, h.o.Present(context.Background(), uid), "presenter learns nothing")
			require.Eventually(t, func() bool { return len(h.audit.transitions()) == 4 }, 3*time.Second, 5*time.Millisecond)

			assert.Equal(t, []string{
				"idle>threat_detected",
				"threat_detected>awaiting_authentication",
				"awaiting_authentication>escalating",
				"escalating>idle",
			}, h.audit.transitions())
			assert.Empty(t, h.trace.list(), "log_only never invokes the executor")
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ChallengesTotal.WithLabelValues("unauthorized")))
		})
	}
}

func TestEscalateAlertProceedsWhenDeliveryFails(t *testing.T) {
	tr := &trace{}
	alerter := &fakeAlerter{trace: tr, receipt: executor.AlertReceipt{Channel: "log", Error: "nats: timeout"}}
	h := newHarness(t, types.PolicyEscalateAlert, 20*time.Millisecond, nil, withAlerter(alerter))

	h.attach("1-2", types.TrustClassUntrusted)
	h.waitState(t, types.StateLockedDown)

	assert.Equal(t, []string{"alert:timed_out"}, tr.list())
	assert.Equal(t, []string{"capture", "exec:lock_screen", "exec:network_down"}, h.trace.list())

	var delivery *auditEntry
	for _, e := range h.audit.all() {
		if e.kind == audit.KindAlertDelivery {
			e := e
			delivery = &e
		}
	}
	require.NotNil(t, delivery)
	assert.Equal(t, false, delivery.detail["acknowledged"])
	assert.Equal(t, "nats: timeout", delivery.detail["error"])
}

func TestEscalateAlertActionRunsAfterBackupSeal(t *testing.T) {
	h := newHarness(t, types.PolicyEscalateAlert, 20*time.Millisecond, nil,
		withSharedExecutor(types.Action{Name: "notify_admin"}))

	h.attach("1-2", types.TrustClassUntrusted)
	h.waitState(t, types.StateLockedDown)

	assert.Equal(t, []string{"capture", "exec:notify_admin", "exec:lock_screen", "exec:network_down"}, h.trace.list())

	kinds := h.audit.kinds()
	backupAt, alertAt := -1, -1
	for i, k := range kinds {
		switch k {
		case audit.KindBackupSealed:
			backupAt = i
		case audit.KindAlertDelivery:
			alertAt = i
		}
	}
	require.GreaterOrEqual(t, backupAt, 0)
	assert.Less(t, backupAt, alertAt)
}

func TestMandatoryCaptureFailureIsRecorded(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, types.PolicyProceedLockdown, 20*time.Millisecond, nil, withCaptureEntries(
		integrity.Entry{Path: "/etc/hosts", Category: "NETWORKING", Mandatory: true, SHA256: "ab", Status: integrity.EntryCaptured, CapturedAt: now},
		integrity.Entry{Path: "/etc/shadow", Category: "DOCS", Mandatory: true, Status: integrity.EntryFailed, Error: "permission denied", CapturedAt: now},
		integrity.Entry{Path: "/var/log/extra", Category: "LOGS", Status: integrity.EntryFailed, Error: "no such file", CapturedAt: now},
	))

	h.attach("1-2", types.TrustClassUntrusted)
	h.waitState(t, types.StateLockedDown)

	var sealed *auditEntry
	for _, e := range h.audit.all() {
		if e.kind == audit.KindBackupSealed {
			e := e
			sealed = &e
		}
	}
	require.NotNil(t, sealed)
	assert.Equal(t, 2, sealed.detail["failed"])
	assert.Equal(t, 1, sealed.detail["mandatory_failed"])
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ArtifactCaptureFails))
	assert.Equal(t, []string{"capture", "exec:lock_screen", "exec:network_down"}, h.trace.list(), "lockdown proceeds after a failed mandatory artifact")
}

func TestQueuedAttachesRunInOrder(t *testing.T) {
	h := newHarness(t, types.PolicyLogOnly, 5*time.Second, nil)

	h.attach("1-2", types.TrustClassUntrusted)
	h.waitState(t, types.StateAwaitingAuthentication)
	first := h.o.Snapshot()

	h.attach("1-3", types.TrustClassUntrusted)
	h.attach("1-4", types.TrustClassUntrusted)
	require.Eventually(t, func() bool { return h.o.Snapshot().QueuedEvents == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, first.ChallengeID, h.o.Snapshot().ChallengeID, "queued events never pre-empt the cycle")

	require.NoError(t, h.o.Present(context.Background(), registeredUID))
	require.Eventually(t, func() bool {
		s := h.o.Snapshot()
		return s.Cycle == 2 && s.State == types.StateAwaitingAuthentication
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.o.Snapshot().QueuedEvents)

	var ports []any
	for _, e := range h.audit.all() {
		if e.kind == audit.KindStateTransition && e.detail["to"] == types.StateThreatDetected {
			ports = append(ports, e.detail["port_id"])
		}
	}
	assert.Equal(t, []any{"1-2", "1-3"}, ports)
}

func TestQueueOverflowCountsAsDegraded(t *testing.T) {
	h := newHarness(t, types.PolicyLogOnly, 5*time.Second, nil, withQueueLimit(1))

	h.attach("1-2", types.TrustClassUntrusted)
	h.waitState(t, types.StateAwaitingAuthentication)
	h.attach("1-3", types.TrustClassUntrusted)
	h.attach("1-4", types.TrustClassUntrusted)
	h.attach("1-5", types.TrustClassUntrusted)

	require.Eventually(t, func() bool { return h.audit.count(audit.KindQueueOverflow) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.o.Snapshot().QueuedEvents)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DegradedMonitoring))
}

func TestAuditFailureStallsUntilWritten(t *testing.T) {
	rec := &recordingAudit{failures: 3}
	h := newHarness(t, types.PolicyLogOnly, 5*time.Second, rec)

	h.attach("1-2", types.TrustClassUntrusted)
	h.waitState(t, types.StateAwaitingAuthentication)

	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.AuditAppendErrors))
	assert.Equal(t, []string{
		"idle>threat_detected",
		"threat_detected>awaiting_authentication",
	}, rec.transitions(), "each transition is written exactly once")
}

func TestStaleSubmissionIsAudited(t *testing.T) {
	h := newHarness(t, types.PolicyProceedLockdown, time.Minute, nil)

	err := h.o.Present(context.Background(), registeredUID)
	assert.ErrorIs(t, err, auth.ErrStaleSubmission)
	assert.Equal(t, 1, h.audit.count(audit.KindStaleSubmission))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StaleSubmissions))
	assert.Equal(t, types.StateIdle, h.o.Snapshot().State)
}

func TestShutdownRecordsCancelledChallenge(t *testing.T) {
	h := newHarness(t, types.PolicyProceedLockdown, time.Minute, nil)
	transitions, _ := h.o.Subscribe()

	h.attach("1-2", types.TrustClassUntrusted)
	h.waitState(t, types.StateAwaitingAuthentication)

	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not stop")
	}

	entries := h.audit.all()
	last := entries[len(entries)-1]
	assert.Equal(t, audit.KindChallengeResolved, last.kind)
	assert.Equal(t, auth.OutcomeCancelled, last.detail["outcome"])
	assert.Empty(t, h.trace.list())

	for range transitions {
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Options{ChallengeWindow: time.Second}, Deps{})
	assert.Error(t, err)
}
