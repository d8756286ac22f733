package frame

import (
	"encoding/json"
	"fmt"
)

// FrameKind identifies which frame type an envelope carries.
type FrameKind int

const (
	KindData FrameKind = iota
	KindCmd
	KindCmdAck
)

func (k FrameKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindCmd:
		return "cmd"
	case KindCmdAck:
		return "cmd_ack"
	default:
		return "unknown"
	}
}

// Envelope is the bus-internal unit: a strictly monotonic sequence number,
// a kind tag, and the serialized frame. Seq is the WAL primary key.
//
// The teacher stack has no protobuf/prost equivalent wired in (no example
// repo imports a protobuf codegen toolchain for an in-process bus), so
// Payload is JSON rather than protobuf — the one deliberate codec
// substitution from the original Rust implementation, noted in DESIGN.md.
type Envelope struct {
	Seq     uint64    `json:"seq"`
	Kind    FrameKind `json:"kind"`
	Payload []byte    `json:"payload"`
}

// WrapData serializes a DataFrame into an envelope at the given seq.
func WrapData(seq uint64, f DataFrame) (Envelope, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return Envelope{}, fmt.Errorf("frame: marshal data frame: %w", err)
	}
	return Envelope{Seq: seq, Kind: KindData, Payload: payload}, nil
}

// WrapCmd serializes a CmdFrame into an envelope at the given seq.
func WrapCmd(seq uint64, f CmdFrame) (Envelope, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return Envelope{}, fmt.Errorf("frame: marshal cmd frame: %w", err)
	}
	return Envelope{Seq: seq, Kind: KindCmd, Payload: payload}, nil
}

// WrapCmdAck serializes a CmdAckFrame into an envelope at the given seq.
func WrapCmdAck(seq uint64, f CmdAckFrame) (Envelope, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return Envelope{}, fmt.Errorf("frame: marshal cmd ack frame: %w", err)
	}
	return Envelope{Seq: seq, Kind: KindCmdAck, Payload: payload}, nil
}

// IntoData decodes the envelope as a DataFrame. Returns an error if Kind
// is not KindData.
func (e Envelope) IntoData() (DataFrame, error) {
	if e.Kind != KindData {
		return DataFrame{}, fmt.Errorf("frame: envelope seq %d is not a data frame (kind=%s)", e.Seq, e.Kind)
	}
	var f DataFrame
	if err := json.Unmarshal(e.Payload, &f); err != nil {
		return DataFrame{}, fmt.Errorf("frame: decode data frame: %w", err)
	}
	return f, nil
}

// IntoCmd decodes the envelope as a CmdFrame.
func (e Envelope) IntoCmd() (CmdFrame, error) {
	if e.Kind != KindCmd {
		return CmdFrame{}, fmt.Errorf("frame: envelope seq %d is not a cmd frame (kind=%s)", e.Seq, e.Kind)
	}
	var f CmdFrame
	if err := json.Unmarshal(e.Payload, &f); err != nil {
		return CmdFrame{}, fmt.Errorf("frame: decode cmd frame: %w", err)
	}
	return f, nil
}

// IntoCmdAck decodes the envelope as a CmdAckFrame.
func (e Envelope) IntoCmdAck() (CmdAckFrame, error) {
	if e.Kind != KindCmdAck {
		return CmdAckFrame{}, fmt.Errorf("frame: envelope seq %d is not a cmd ack frame (kind=%s)", e.Seq, e.Kind)
	}
	var f CmdAckFrame
	if err := json.Unmarshal(e.Payload, &f); err != nil {
		return CmdAckFrame{}, fmt.Errorf("frame: decode cmd ack frame: %w", err)
	}
	return f, nil
}

// Tag extracts just the tag field without fully decoding the frame type,
// used by framebus filters (TagPrefix/TagRegex) to avoid repeated decode
// of the full payload on every match check.
func (e Envelope) Tag() (string, error) {
	var probe struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return "", fmt.Errorf("frame: extract tag: %w", err)
	}
	return probe.Tag, nil
}
