package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harpyharpoon/MJOLNIR/internal/audit"
	"github.com/harpyharpoon/MJOLNIR/internal/auth"
	"github.com/harpyharpoon/MJOLNIR/internal/logging"
	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

// manualGate resolves challenges only when told to
type manualGate struct {
	pending *auth.Challenge
	opened  int
}

func (g *manualGate) OpenChallenge(window time.Duration) (auth.Challenge, error) {
	if g.pending != nil {
		return auth.Challenge{}, auth.ErrChallengeAlreadyOpen
	}
	now := time.Now().UTC()
	c := auth.Challenge{ID: uuid.NewString(), OpenedAt: now, Deadline: now.Add(window), Outcome: auth.OutcomePending}
	g.pending = &c
	g.opened++
	return c, nil
}

func (g *manualGate) Present(string) error { return auth.ErrStaleSubmission }
func (g *manualGate) Cancel() bool { return false }
func (g *manualGate) Outcomes() <-chan auth.Resolution { return nil }

func (g *manualGate) resolve(outcome auth.Outcome, authorized bool) (auth.Resolution, bool) {
	if g.pending == nil {
		return auth.Resolution{}, false
	}
	res := auth.Resolution{Challenge: *g.pending, ResolvedAt: time.Now().UTC()}
	res.Challenge.Outcome = outcome
	if outcome == auth.OutcomeSatisfied {
		res.TokenUID = "AA"
		if authorized {
			res.Token = &types.TokenRecord{UID: "AA", Label: "primary"}
		}
	}
	g.pending = nil
	return res, true
}

const (
	opUntrustedAttach = iota
	opTrustedAttach
	opAuthorized
	opTimeout
	opUnauthorized
	opRecover
	opCount
)

type run struct {
	o           *Orchestrator
	gate        *manualGate
	audit       *recordingAudit
	trace       *trace
	resolutions int
}

func newRun(t *testing.T, policy types.EscalationPolicy) *run {
	gate := &manualGate{}
	rec := &recordingAudit{}
	tr := &trace{}
	o, err := New(Options{
		ChallengeWindow: time.Minute,
		Policy:          policy,
		LockdownActions: []types.Action{{Name: "lock_screen"}},
		MaxQueuedEvents: 4,
	}, Deps{
		Gate:      gate,
		Audit:     rec,
		Integrity: &fakeCapture{trace: tr},
		Executor:  &fakeExecutor{trace: tr},
		Recovery:  secretVerifier(recoverySecret),
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	return &run{o: o, gate: gate, audit: rec, trace: tr}
}

// step applies one operation the way the Run loop would
func (r *run) step(op int) {
	ctx := context.Background()
	resolve := func(outcome auth.Outcome, authorized bool) {
		if res, ok := r.gate.resolve(outcome, authorized); ok {
			r.resolutions++
			r.o.handleResolution(ctx, res)
		}
	}

	switch op {
	case opUntrustedAttach:
		r.o.handlePortEvent(ctx, types.PortEvent{PortID: "1-2", Action: types.PortActionAttach, TrustClass: types.TrustClassUntrusted})
	case opTrustedAttach:
		r.o.handlePortEvent(ctx, types.PortEvent{PortID: "1-1", Action: types.PortActionAttach, TrustClass: types.TrustClassTrusted})
	case opAuthorized:
		resolve(auth.OutcomeSatisfied, true)
	case opTimeout:
		resolve(auth.OutcomeTimedOut, false)
	case opUnauthorized:
		resolve(auth.OutcomeSatisfied, false)
	case opRecover:
		_ = r.o.handleRecover(ctx, recoverySecret)
	}
	r.o.drainQueue(ctx)
}

// chained reports whether recorded transitions form one legal path from idle
func (r *run) chained() bool {
	current := types.StateIdle
	for _, e := range r.audit.all() {
		if e.kind != audit.KindStateTransition {
			continue
		}
		from := e.detail["from"].(types.SecurityState)
		to := e.detail["to"].(types.SecurityState)
		if from != current || !types.CanTransition(from, to) {
			return false
		}
		current = to
	}
	return current == r.o.Snapshot().State
}

func opsGen() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, opCount-1))
}

func TestOrchestrator_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("log_only never invokes the executor", prop.ForAll(
		func(ops []int) bool {
			r := newRun(t, types.PolicyLogOnly)
			for _, op := range ops {
				r.step(op)
			}
			return len(r.trace.list()) == 0 && r.chained()
		},
		opsGen(),
	))

	properties.Property("every lockdown seals a backup before its actions", prop.ForAll(
		func(ops []int) bool {
			r := newRun(t, types.PolicyProceedLockdown)
			for _, op := range ops {
				r.step(op)
			}
			sealed := false
			for _, entry := range r.trace.list() {
				switch entry {
				case "capture":
					sealed = true
				default:
					if !sealed {
						return false
					}
				}
			}
			return r.chained()
		},
		opsGen(),
	))

	properties.Property("one challenge_resolved per outcome and one challenge at a time", prop.ForAll(
		func(ops []int) bool {
			r := newRun(t, types.PolicyProceedLockdown)
			for _, op := range ops {
				r.step(op)
				state := r.o.Snapshot().State
				if (state == types.StateAwaitingAuthentication) != (r.gate.pending != nil) {
					return false
				}
				switch state {
				case types.StateIdle, types.StateAwaitingAuthentication, types.StateLockedDown:
				default:
					return false
				}
			}
			return r.audit.count(audit.KindChallengeResolved) == r.resolutions &&
				r.audit.count(audit.KindChallengeOpened) == r.gate.opened
		},
		opsGen(),
	))

	properties.Property("an untrusted attach opens a challenge before any action", prop.ForAll(
		func(ops []int) bool {
			r := newRun(t, types.PolicyProceedLockdown)
			ops = append([]int{opUntrustedAttach}, ops...)
			for _, op := range ops {
				r.step(op)
			}
			firstChallenge, firstAction := -1, -1
			for i, e := range r.audit.all() {
				if e.kind == audit.KindChallengeOpened && firstChallenge < 0 {
					firstChallenge = i
				}
				if e.kind == audit.KindActionResult && firstAction < 0 {
					firstAction = i
				}
			}
			return firstChallenge >= 0 && (firstAction < 0 || firstChallenge < firstAction)
		},
		opsGen(),
	))

	properties.TestingRun(t)
}

func TestFatalActionStillLocksDown(t *testing.T) {
	gate := &manualGate{}
	rec := &recordingAudit{}
	tr := &trace{}
	o, err := New(Options{
		ChallengeWindow: time.Minute,
		LockdownActions: []types.Action{{Name: "lock_screen"}, {Name: "network_down"}},
	}, Deps{
		Gate:      gate,
		Audit:     rec,
		Integrity: &fakeCapture{trace: tr},
		Executor:  &fakeExecutor{trace: tr, fail: true},
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	o.handlePortEvent(ctx, types.PortEvent{PortID: "2-1", Action: types.PortActionAttach, TrustClass: types.TrustClassUntrusted})
	res, ok := gate.resolve(auth.OutcomeTimedOut, false)
	require.True(t, ok)
	o.handleResolution(ctx, res)

	assert.Equal(t, types.StateLockedDown, o.Snapshot().State)
	assert.Equal(t, []string{"capture", "exec:lock_screen", "exec:network_down"}, tr.list(), "a fatal action does not stop the rest")

	var statuses []string
	for _, e := range rec.all() {
		if e.kind == audit.KindActionResult {
			statuses = append(statuses, fmt.Sprint(e.detail["status"]))
		}
	}
	assert.Equal(t, []string{"fatal", "fatal"}, statuses)

	assert.ErrorIs(t, o.handleRecover(ctx, "anything"), ErrRecoveryDenied, "no verifier configured means no recovery")
}

func TestChallengeUnavailableEscalates(t *testing.T) {
	gate := &manualGate{pending: &auth.Challenge{ID: "stuck"}}
	rec := &recordingAudit{}
	tr := &trace{}
	o, err := New(Options{ChallengeWindow: time.Minute, Policy: types.PolicyLogOnly}, Deps{
		Gate:      gate,
		Audit:     rec,
		Integrity: &fakeCapture{trace: tr},
		Executor:  &fakeExecutor{trace: tr},
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)

	o.handlePortEvent(context.Background(), types.PortEvent{PortID: "2-1", Action: types.PortActionAttach, TrustClass: types.TrustClassUntrusted})
	assert.Equal(t, types.StateIdle, o.Snapshot().State)
	assert.Equal(t, []string{
		"idle>threat_detected",
		"threat_detected>awaiting_authentication",
		"awaiting_authentication>escalating",
		"escalating>idle",
	}, rec.transitions())
}
