package watchdog

import "github.com/speedwagon-io/climalink/internal/telemetry"

type Phase int

const (
	PhasePending Phase = iota
	PhaseLive
	PhaseStale
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseLive:
		return "live"
	case PhaseStale:
		return "stale"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Reason tells why a stream went stale.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonNeverConnected: the deadline passed before the first message.
	ReasonNeverConnected
	// ReasonStreamInterrupted: messages were flowing and then stopped.
	ReasonStreamInterrupted
)

func (r Reason) String() string {
	switch r {
	case ReasonNeverConnected:
		return "never_connected"
	case ReasonStreamInterrupted:
		return "stream_interrupted"
	default:
		return "none"
	}
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Message is the user-facing error text reported for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNeverConnected:
		return telemetry.MsgConnectionTimeout
	case ReasonStreamInterrupted:
		return telemetry.MsgConnectionLost
	default:
		return ""
	}
}

type Verdict struct {
	Phase  Phase  `json:"phase"`
	Reason Reason `json:"reason"`
}

func (v Verdict) String() string {
	if v.Phase == PhaseStale {
		return v.Phase.String() + "(" + v.Reason.String() + ")"
	}
	return v.Phase.String()
}
