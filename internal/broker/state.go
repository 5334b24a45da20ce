package broker

import (
	"fmt"
	"time"
)

// Phase names a position in the connection lifecycle
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseDegraded     Phase = "degraded"
)

// gaugeValue maps the phase onto a stable numeric code for metrics
func (p Phase) gaugeValue() int {
	switch p {
	case PhaseConnecting:
		return 1
	case PhaseConnected:
		return 2
	case PhaseReconnecting:
		return 3
	case PhaseDegraded:
		return 4
	default:
		return 0
	}
}

// ConnectionState is the broker's externally visible lifecycle state.
// Attempt and NextRetryAt are only meaningful while reconnecting.
type ConnectionState struct {
	Phase       Phase     `json:"phase"`
	Attempt     int       `json:"attempt,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

func StateDisconnected() ConnectionState {
	return ConnectionState{Phase: PhaseDisconnected}
}

func StateConnecting() ConnectionState {
	return ConnectionState{Phase: PhaseConnecting}
}

func StateConnected() ConnectionState {
	return ConnectionState{Phase: PhaseConnected}
}

func StateReconnecting(attempt int, nextRetryAt time.Time) ConnectionState {
	return ConnectionState{Phase: PhaseReconnecting, Attempt: attempt, NextRetryAt: nextRetryAt}
}

func StateDegraded() ConnectionState {
	return ConnectionState{Phase: PhaseDegraded}
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseReconnecting {
		return fmt.Sprintf("%s(attempt=%d)", s.Phase, s.Attempt)
	}
	return string(s.Phase)
}
