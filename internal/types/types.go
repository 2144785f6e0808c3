package types

import (
	"fmt"
	"time"
)

// TrustClass classifies a physical port
type TrustClass string

const (
	TrustClassTrusted   TrustClass = "trusted"
	TrustClassUntrusted TrustClass = "untrusted"
	TrustClassUnknown   TrustClass = "unknown"
)

// PortAction is the topology change observed at a port
type PortAction string

const (
	PortActionAttach  PortAction = "attach"
	PortActionDetach  PortAction = "detach"
	PortActionPresent PortAction = "present" // found by the startup scan
)

// PortEvent represents one attach/detach observed by the port monitor.
// Device identity is informational only; trust is derived from PortID.
type PortEvent struct {
	PortID            string     `json:"port_id"`
	DevicePath        string     `json:"device_path"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	Action            PortAction `json:"action"`
	ObservedAt        time.Time  `json:"observed_at"`
	TrustClass        TrustClass `json:"trust_class"`
}

// IsThreat reports whether the event should start a threat cycle
func (e PortEvent) IsThreat() bool {
	return e.Action == PortActionAttach && e.TrustClass == TrustClassUntrusted
}

// SecurityState is the orchestrator's authoritative state
type SecurityState string

const (
	StateIdle                   SecurityState = "idle"
	StateThreatDetected         SecurityState = "threat_detected"
	StateAwaitingAuthentication SecurityState = "awaiting_authentication"
	StateAuthenticated          SecurityState = "authenticated"
	StateEscalating             SecurityState = "escalating"
	StateLockedDown             SecurityState = "locked_down"
	StateRecovering             SecurityState = "recovering"
)

// allowedTransitions lists every legal edge of the state machine
var allowedTransitions = map[SecurityState][]SecurityState{
	StateIdle:                   {StateThreatDetected},
	StateThreatDetected:         {StateAwaitingAuthentication},
	StateAwaitingAuthentication: {StateAuthenticated, StateEscalating},
	StateAuthenticated:          {StateIdle},
	StateEscalating:             {StateLockedDown, StateIdle},
	StateLockedDown:             {StateRecovering},
	StateRecovering:             {StateIdle},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to SecurityState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EscalationPolicy is the decision rule applied when a challenge fails
type EscalationPolicy string

const (
	PolicyProceedLockdown EscalationPolicy = "proceed_lockdown"
	PolicyLogOnly         EscalationPolicy = "log_only"
	PolicyEscalateAlert   EscalationPolicy = "escalate_alert"
)

// ParseEscalationPolicy parses a configured policy value
func ParseEscalationPolicy(s string) (EscalationPolicy, error) {
	switch EscalationPolicy(s) {
	case PolicyProceedLockdown, PolicyLogOnly, PolicyEscalateAlert:
		return EscalationPolicy(s), nil
	case "":
		return PolicyProceedLockdown, nil
	default:
		return "", fmt.Errorf("unknown escalation policy %q", s)
	}
}

// TokenRecord is a registered physical token (NFC tag)
type TokenRecord struct {
	UID          string     `json:"uid"`
	Label        string     `json:"label"`
	RegisteredAt time.Time  `json:"registered_at"`
	Revoked      bool       `json:"revoked"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Artifact is one configured backup target
type Artifact struct {
	Path      string `json:"path" yaml:"path"`
	Category  string `json:"category" yaml:"category"`
	Mandatory bool   `json:"mandatory" yaml:"mandatory"`
}

// Action is a privileged executable run by the action executor
type Action struct {
	Name    string        `json:"name" yaml:"name"`
	Path    string        `json:"path" yaml:"path"`
	Args    []string      `json:"args,omitempty" yaml:"args"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// StateSnapshot is an immutable view of the orchestrator state
type StateSnapshot struct {
	State        SecurityState `json:"state"`
	Since        time.Time     `json:"since"`
	ChallengeID  string        `json:"challenge_id,omitempty"`
	ManifestID   string        `json:"manifest_id,omitempty"`
	QueuedEvents int           `json:"queued_events"`
	Cycle        uint64        `json:"cycle"`
}

// Transition is published to subscribers after every state change
type Transition struct {
	From   SecurityState `json:"from"`
	To     SecurityState `json:"to"`
	At     time.Time     `json:"at"`
	Reason string        `json:"reason"`
	Cycle  uint64        `json:"cycle"`
}
