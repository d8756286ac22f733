// Package frame defines the three frame types that cross the FrameBus —
// DataFrame, CmdFrame and CmdAckFrame — plus the bus-internal
// FrameEnvelope wrapper. See SPEC_FULL.md §3.2-3.3.
package frame

import (
	"github.com/nugget/gateway-rust-go/internal/value"
)

// QoS is the quality-of-sample flag carried on a DataFrame.
type QoS int

const (
	QoSBad QoS = iota
	QoSUncertain
	QoSGood
)

func (q QoS) String() string {
	switch q {
	case QoSBad:
		return "bad"
	case QoSUncertain:
		return "uncertain"
	case QoSGood:
		return "good"
	default:
		return "unknown"
	}
}

// DataFrame is a single sampled point, tagged and time-stamped at the
// producer (driver) side.
type DataFrame struct {
	Tag       string            `json:"tag"`
	Timestamp uint64            `json:"ts"` // unix nanos, producer clock
	Meta      map[string]string `json:"meta,omitempty"`
	Value     value.Value       `json:"value"`
	QoS       QoS               `json:"qos"`
}

// NewDataFrame builds a DataFrame with QoSGood and the given timestamp.
// Callers that don't have a monotonic clock source of their own should
// pass uint64(time.Now().UnixNano()).
func NewDataFrame(tag string, v value.Value, timestamp uint64) DataFrame {
	return DataFrame{Tag: tag, Timestamp: timestamp, Value: v, QoS: QoSGood}
}

// WithQoS returns a copy of the frame with QoS set.
func (d DataFrame) WithQoS(q QoS) DataFrame {
	d.QoS = q
	return d
}

// WithMeta returns a copy of the frame with one meta key set.
func (d DataFrame) WithMeta(key, val string) DataFrame {
	out := d
	out.Meta = cloneMeta(d.Meta)
	out.Meta[key] = val
	return out
}

// CmdFrame is a write request targeting a driver's point, published by any
// origin (REST API, bridge, script) and consumed by the owning driver.
type CmdFrame struct {
	Tag       string            `json:"tag"`
	Timestamp uint64            `json:"ts"`
	Meta      map[string]string `json:"meta,omitempty"`
	Value     value.Value       `json:"value"`
	Origin    string            `json:"origin"`
	CmdID     uint64            `json:"cmd_id"`
	Priority  int               `json:"priority"` // 0..3, advisory only — does not reorder ring delivery
	TimeoutMS uint32            `json:"timeout_ms"`
}

// NewCmdFrame builds a CmdFrame with priority 1 and a 5s timeout, the same
// defaults the original implementation uses.
func NewCmdFrame(tag string, v value.Value, origin string, cmdID uint64, timestamp uint64) CmdFrame {
	return CmdFrame{
		Tag:       tag,
		Timestamp: timestamp,
		Value:     v,
		Origin:    origin,
		CmdID:     cmdID,
		Priority:  1,
		TimeoutMS: 5000,
	}
}

// CmdAckFrame is the driver's response to a CmdFrame, correlated by CmdID.
type CmdAckFrame struct {
	Tag         string            `json:"tag"`
	Timestamp   uint64            `json:"ts"`
	Meta        map[string]string `json:"meta,omitempty"`
	CmdID       uint64            `json:"cmd_id"`
	Success     bool              `json:"success"`
	ErrorMsg    string            `json:"error_msg,omitempty"`
	ActualValue *value.Value      `json:"actual_value,omitempty"`
	DriverID    string            `json:"driver_id"`
}

// AckSuccess builds a successful CmdAckFrame.
func AckSuccess(cmdID uint64, tag, driverID string, actual *value.Value, timestamp uint64) CmdAckFrame {
	return CmdAckFrame{
		Tag:         tag,
		Timestamp:   timestamp,
		CmdID:       cmdID,
		Success:     true,
		ActualValue: actual,
		DriverID:    driverID,
	}
}

// AckFailure builds a failed CmdAckFrame.
func AckFailure(cmdID uint64, tag, driverID, errMsg string, timestamp uint64) CmdAckFrame {
	return CmdAckFrame{
		Tag:       tag,
		Timestamp: timestamp,
		CmdID:     cmdID,
		Success:   false,
		ErrorMsg:  errMsg,
		DriverID:  driverID,
	}
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
