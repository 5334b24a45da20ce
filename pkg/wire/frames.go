package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// FrameType identifies a message on the stream connection
type FrameType string

const (
	FrameSubscribe     FrameType = "subscribe"
	FrameResyncRequest FrameType = "resync_request"
	FrameFullSnapshot  FrameType = "full_snapshot"
	FrameDelta         FrameType = "delta"
	FrameHeartbeat     FrameType = "heartbeat"
)

// Frame is the closed set of messages exchanged with the roster source.
// Decode returns exactly one of the concrete frame types below.
type Frame interface {
	Type() FrameType
}

// SubscribeFrame registers a downstream client with the source
type SubscribeFrame struct {
	ClientId string `json:"client_id"`
}

func (*SubscribeFrame) Type() FrameType { return FrameSubscribe }

// ResyncRequestFrame asks the source for a fresh full snapshot
type ResyncRequestFrame struct {
	LastKnownVersion int64 `json:"last_known_version"`
}

func (*ResyncRequestFrame) Type() FrameType { return FrameResyncRequest }

// FullSnapshotFrame carries the complete roster at one version
type FullSnapshotFrame struct {
	Version      int64                  `json:"version"`
	CapturedAt   *timestamppb.Timestamp `json:"captured_at,omitempty"`
	Participants []Participant          `json:"participants"`
}

func (*FullSnapshotFrame) Type() FrameType { return FrameFullSnapshot }

// DeltaFrame carries one delta package
type DeltaFrame struct {
	DeltaPackage
}

func (*DeltaFrame) Type() FrameType { return FrameDelta }

// HeartbeatFrame keeps an otherwise idle connection alive
type HeartbeatFrame struct {
	SentAt *timestamppb.Timestamp `json:"sent_at,omitempty"`
}

func (*HeartbeatFrame) Type() FrameType { return FrameHeartbeat }

// envelope is the outer JSON carrying the type tag and the frame body
type envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a frame into its envelope form
func Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("encode nil frame")
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", f.Type(), err)
	}
	return json.Marshal(envelope{Type: f.Type(), Payload: payload})
}

// Decode parses an envelope and returns the concrete frame. Any frame
// that does not parse, names an unknown type, or fails structural
// validation is an error; callers treat that as a protocol violation.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame envelope: %w", err)
	}

	var frame Frame
	switch env.Type {
	case FrameSubscribe:
		frame = &SubscribeFrame{}
	case FrameResyncRequest:
		frame = &ResyncRequestFrame{}
	case FrameFullSnapshot:
		frame = &FullSnapshotFrame{}
	case FrameDelta:
		frame = &DeltaFrame{}
	case FrameHeartbeat:
		frame = &HeartbeatFrame{}
	case "":
		return nil, fmt.Errorf("frame without type tag")
	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, frame); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
	}

	if df, ok := frame.(*DeltaFrame); ok {
		if err := df.Validate(); err != nil {
			return nil, fmt.Errorf("invalid delta frame: %w", err)
		}
	}
	return frame, nil
}

// JSONSize returns the serialized length of v in the same encoding the
// stream uses, so full and delta sizes stay comparable
func JSONSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

func errMissingField(field string) error {
	return fmt.Errorf("change missing required field %q", field)
}

func errChangeIdMismatch(changeId, participantId string) error {
	return fmt.Errorf("change id %q does not match participant id %q", changeId, participantId)
}

func errUnknownOp(op string) error {
	return fmt.Errorf("unknown change op %q", op)
}
