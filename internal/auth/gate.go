package auth

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harpyharpoon/MJOLNIR/internal/types"
)

var (
	// ErrChallengeAlreadyOpen means single-flight was violated by the caller
	ErrChallengeAlreadyOpen = errors.New("challenge already open")
	// ErrStaleSubmission is returned when no challenge is pending
	ErrStaleSubmission = errors.New("stale token submission")
)

// RequiredTokenClass is the only token class the gate accepts
const RequiredTokenClass = "nfc_tag"

// Outcome is the terminal result of a challenge
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSatisfied Outcome = "satisfied"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Challenge is one bounded-time authentication window
type Challenge struct {
	ID                 string    `json:"id"`
	OpenedAt           time.Time `json:"opened_at"`
	Deadline           time.Time `json:"deadline"`
	RequiredTokenClass string    `json:"required_token_class"`
	Outcome            Outcome   `json:"outcome"`
}

// Resolution is delivered exactly once per challenge.
// Token is set only for a satisfied challenge whose uid was authorized by the
// registry snapshot taken at open time.
type Resolution struct {
	Challenge  Challenge          `json:"challenge"`
	TokenUID   string             `json:"token_uid,omitempty"`
	Token      *types.TokenRecord `json:"token,omitempty"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

// Authorized reports whether the resolution grants access
func (r Resolution) Authorized() bool {
	return r.Challenge.Outcome == OutcomeSatisfied && r.Token != nil
}

type pendingChallenge struct {
	challenge Challenge
	snapshot  Snapshot
	resolved  atomic.Bool
	timer     *time.Timer
}

// Gate owns at most one pending challenge. The deadline timer, Present and
// Cancel race for the same compare-and-swap slot; the first one wins.
type Gate struct {
	registry *Registry
	now      func() time.Time

	mu      sync.Mutex
	pending *pendingChallenge

	outcomes chan Resolution
}

// NewGate creates a gate backed by registry
func NewGate(registry *Registry) *Gate {
	return &Gate{
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
		// one slot is enough: a new challenge opens only after the previous outcome was consumed
		outcomes: make(chan Resolution, 1),
	}
}

// Outcomes delivers resolutions in order
func (g *Gate) Outcomes() <-chan Resolution {
	return g.outcomes
}

// OpenChallenge opens a challenge that times out after window
func (g *Gate) OpenChallenge(window time.Duration) (Challenge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil {
		return Challenge{}, ErrChallengeAlreadyOpen
	}

	openedAt := g.now()
	p := &pendingChallenge{
		challenge: Challenge{
			ID:                 uuid.NewString(),
			OpenedAt:           openedAt,
			Deadline:           openedAt.Add(window),
			RequiredTokenClass: RequiredTokenClass,
			Outcome:            OutcomePending,
		},
		snapshot: g.registry.Snapshot(),
	}
	p.timer = time.AfterFunc(window, func() {
		if p.resolved.CompareAndSwap(false, true) {
			g.finish(p, OutcomeTimedOut, "", nil)
		}
	})
	g.pending = p

	return p.challenge, nil
}

// Present resolves the pending challenge as satisfied. Whether the uid is
// authorized is decided against the open-time snapshot and carried in the
// resolution; the caller gets the same answer either way.
func (g *Gate) Present(uid string) error {
	p := g.current()
	if p == nil {
		return ErrStaleSubmission
	}
	if !g.now().Before(p.challenge.Deadline) {
		return ErrStaleSubmission
	}
	if !p.resolved.CompareAndSwap(false, true) {
		return ErrStaleSubmission
	}
	p.timer.Stop()

	uid = NormalizeUID(uid)
	var token *types.TokenRecord
	if rec, ok := p.snapshot.Authorize(uid); ok {
		token = &rec
	}
	g.finish(p, OutcomeSatisfied, uid, token)
	return nil
}

// Cancel resolves a pending challenge as cancelled; used on shutdown
func (g *Gate) Cancel() bool {
	p := g.current()
	if p == nil || !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	p.timer.Stop()
	g.finish(p, OutcomeCancelled, "", nil)
	return true
}

// Pending returns the open challenge, if any
func (g *Gate) Pending() (Challenge, bool) {
	p := g.current()
	if p == nil {
		return Challenge{}, false
	}
	return p.challenge, true
}

func (g *Gate) current() *pendingChallenge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// finish is only called by the CAS winner
func (g *Gate) finish(p *pendingChallenge, outcome Outcome, uid string, token *types.TokenRecord) {
	res := Resolution{
		Challenge:  p.challenge,
		TokenUID:   uid,
		Token:      token,
		ResolvedAt: g.now(),
	}
	res.Challenge.Outcome = outcome

	g.mu.Lock()
	if g.pending == p {
		g.pending = nil
	}
	g.mu.Unlock()

	g.outcomes <- res
}
