package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SecurityState
		want     bool
	}{
		{StateIdle, StateThreatDetected, true},
		{StateThreatDetected, StateAwaitingAuthentication, true},
		{StateAwaitingAuthentication, StateAuthenticated, true},
		{StateAwaitingAuthentication, StateEscalating, true},
		{StateEscalating, StateLockedDown, true},
		{StateEscalating, StateIdle, true},
		{StateLockedDown, StateRecovering, true},
		{StateRecovering, StateIdle, true},
		{StateAuthenticated, StateIdle, true},

		{StateIdle, StateLockedDown, false},
		{StateLockedDown, StateIdle, false},
		{StateAwaitingAuthentication, StateLockedDown, false},
		{StateThreatDetected, StateEscalating, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseEscalationPolicy(t *testing.T) {
	p, err := ParseEscalationPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyProceedLockdown, p)

	p, err = ParseEscalationPolicy("log_only")
	require.NoError(t, err)
	assert.Equal(t, PolicyLogOnly, p)

	_, err = ParseEscalationPolicy("shrug")
	assert.Error(t, err)
}

func TestPortEvent_IsThreat(t *testing.T) {
	assert.True(t, PortEvent{Action: PortActionAttach, TrustClass: TrustClassUntrusted}.IsThreat())
	assert.False(t, PortEvent{Action: PortActionAttach, TrustClass: TrustClassTrusted}.IsThreat())
	assert.False(t, PortEvent{Action: PortActionDetach, TrustClass: TrustClassUntrusted}.IsThreat())
	assert.False(t, PortEvent{Action: PortActionPresent, TrustClass: TrustClassUntrusted}.IsThreat())
	assert.False(t, PortEvent{Action: PortActionAttach, TrustClass: TrustClassUnknown}.IsThreat())
}
