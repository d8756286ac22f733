package modbus

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/gateway-rust-go/internal/driver"
	"github.com/nugget/gateway-rust-go/internal/endpointkit"
	"github.com/nugget/gateway-rust-go/internal/frame"
	"github.com/nugget/gateway-rust-go/internal/framebus"
)

func init() {
	driver.Register("modbus-tcp", func() driver.Driver { return New() })
}

const (
	funcReadHolding    = 0x03
	funcWriteSingle    = 0x06
	funcWriteMultiple  = 0x10
	mbapHeaderLen      = 7
	protocolIdentifier = 0x0000
)

// Driver is a static Modbus-TCP driver, one register-window poll per tick
// of Cfg.Polling, ported from original_source/drivers/modbus-static.
type Driver struct {
	driver.Unimplemented

	cfg      Cfg
	conn     endpointkit.Conn
	txID     uint32
	driverID string
}

// New constructs an uninitialized Driver; Init must be called before Connect.
func New() *Driver {
	return &Driver{driverID: "modbus-tcp"}
}

// Meta reports this driver's identity, matching modbus-static's meta().
func (d *Driver) Meta() driver.Meta {
	features := []string{"read"}
	if d.cfg.EnableWrite {
		features = append(features, "write")
	}
	return driver.Meta{
		Name:        "modbus-tcp",
		Kind:        driver.KindStatic,
		Version:     "0.1.0",
		APIVersion:  driver.APIVersion,
		Description: "Static Modbus-TCP driver polling holding registers",
		Features:    features,
	}
}

// Init decodes cfg into the driver's Cfg, per the Driver contract's
// init(config) -> Ok|InvalidConfig.
func (d *Driver) Init(raw map[string]any) error {
	cfg, err := decodeCfg(raw)
	if err != nil {
		return err
	}
	d.cfg = cfg
	return nil
}

// Connect stores the acquired EndpointKit handle; no protocol handshake
// beyond the TCP connect EndpointKit already performed.
func (d *Driver) Connect(ctx context.Context, h *endpointkit.Handle) error {
	d.conn = h
	return nil
}

// ReadLoop polls every configured point once per Cfg.Polling, batched by
// contiguous address windows bounded by MaxRegsPerReq, and publishes one
// DataFrame per point. Returns only on ctx cancellation or an
// unrecoverable transport error (after exhausting Cfg.Retry).
func (d *Driver) ReadLoop(ctx context.Context, pub *framebus.Publisher) error {
	if len(d.cfg.Points) == 0 {
		slog.Warn("modbus: no points configured, read loop is a no-op", "driver", d.driverID)
	}
	batches := batchPoints(d.cfg.Points, d.cfg.MaxRegsPerReq)

	ticker := time.NewTicker(d.cfg.Polling)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.pollOnce(ctx, pub, batches); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) pollOnce(ctx context.Context, pub *framebus.Publisher, batches []pollBatch) error {
	for _, batch := range batches {
		var lastErr error
		for attempt := uint8(0); attempt <= d.cfg.Retry; attempt++ {
			regs, err := d.readHoldingRegisters(batch.start, batch.qty)
			if err == nil {
				d.publishBatch(pub, batch, regs)
				lastErr = nil
				break
			}
			lastErr = err
			slog.Warn("modbus: read failed, retrying", "driver", d.driverID, "start", batch.start, "attempt", attempt, "error", err)
		}
		if lastErr != nil {
			return fmt.Errorf("modbus: read batch at %d exhausted retries: %w", batch.start, lastErr)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (d *Driver) publishBatch(pub *framebus.Publisher, batch pollBatch, regs []uint16) {
	now := uint64(time.Now().UnixNano())
	for _, point := range batch.points {
		v, err := decodeRegisters(regs, point, batch.start, d.cfg.Endian)
		if err != nil {
			slog.Error("modbus: decode point failed", "driver", d.driverID, "tag", point.Tag, "error", err)
			continue
		}
		if point.Scale != "" {
			v, err = applyScale(v, point.Scale)
			if err != nil {
				slog.Error("modbus: scale point failed", "driver", d.driverID, "tag", point.Tag, "error", err)
				continue
			}
		}
		df := frame.NewDataFrame(point.Tag, v, now)
		if _, err := pub.PublishData(df); err != nil {
			slog.Error("modbus: publish failed", "driver", d.driverID, "tag", point.Tag, "error", err)
		}
	}
}

// Write executes a CmdFrame as a Modbus write, per the Driver contract's
// write(cmd) -> Ok|Unsupported|ProtocolError.
func (d *Driver) Write(ctx context.Context, cmd frame.CmdFrame) error {
	if !d.cfg.EnableWrite {
		return fmt.Errorf("modbus: %w: writes disabled for this instance", driver.ErrUnsupported)
	}
	point, ok := d.pointByTag(cmd.Tag)
	if !ok {
		return fmt.Errorf("modbus: %w: unknown point %q", driver.ErrUnsupported, cmd.Tag)
	}
	if point.Access == AccessR {
		return fmt.Errorf("modbus: %w: point %q is read-only", driver.ErrUnsupported, cmd.Tag)
	}

	regs, err := encodeValue(cmd.Value, point.DataType, d.cfg.Endian)
	if err != nil {
		return fmt.Errorf("modbus: encode %q: %w", cmd.Tag, err)
	}
	if len(regs) == 1 {
		return d.writeSingleRegister(point.Addr, regs[0])
	}
	return d.writeMultipleRegisters(point.Addr, regs)
}

func (d *Driver) pointByTag(tag string) (RegPoint, bool) {
	for _, p := range d.cfg.Points {
		if p.Tag == tag {
			return p, true
		}
	}
	return RegPoint{}, false
}

// Shutdown is a no-op beyond the embedded Unimplemented default: the
// underlying connection is released by the supervisor via Handle.Close,
// not by the driver itself.
func (d *Driver) Shutdown(ctx context.Context) error { return nil }

func (d *Driver) nextTxID() uint16 {
	return uint16(atomic.AddUint32(&d.txID, 1))
}

// --- minimal Modbus-TCP MBAP framing: function codes 0x03/0x06/0x10
// only, no exception-code decoding beyond surfacing the raw code. A full
// protocol stack is explicitly out of scope (Non-goal: "Protocol codecs
// beyond the minimum contract a driver must honour"); this is just
// enough wire format for the reference driver to exercise a real
// request/response round trip against EndpointKit's Conn. ---

func (d *Driver) readHoldingRegisters(start, qty uint16) ([]uint16, error) {
	pdu := make([]byte, 5)
	pdu[0] = funcReadHolding
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], qty)

	resp, err := d.roundTrip(pdu)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[0] != funcReadHolding {
		return nil, fmt.Errorf("modbus: unexpected response function 0x%02x", resp[0])
	}
	byteCount := int(resp[1])
	if len(resp) < 2+byteCount {
		return nil, fmt.Errorf("modbus: truncated response")
	}
	regs := make([]uint16, byteCount/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(resp[2+i*2 : 4+i*2])
	}
	return regs, nil
}

func (d *Driver) writeSingleRegister(addr, val uint16) error {
	pdu := make([]byte, 5)
	pdu[0] = funcWriteSingle
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], val)
	_, err := d.roundTrip(pdu)
	return err
}

func (d *Driver) writeMultipleRegisters(addr uint16, regs []uint16) error {
	pdu := make([]byte, 6+len(regs)*2)
	pdu[0] = funcWriteMultiple
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(regs)))
	pdu[5] = byte(len(regs) * 2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(pdu[6+i*2:8+i*2], r)
	}
	_, err := d.roundTrip(pdu)
	return err
}

// roundTrip wraps pdu in an MBAP header, writes it, and reads back the
// response PDU.
func (d *Driver) roundTrip(pdu []byte) ([]byte, error) {
	txID := d.nextTxID()
	adu := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(adu[0:2], txID)
	binary.BigEndian.PutUint16(adu[2:4], protocolIdentifier)
	binary.BigEndian.PutUint16(adu[4:6], uint16(len(pdu)+1))
	adu[6] = d.cfg.UnitID
	copy(adu[mbapHeaderLen:], pdu)

	if _, err := d.conn.Write(adu); err != nil {
		return nil, fmt.Errorf("modbus: write: %w", err)
	}

	r := bufio.NewReader(d.conn)
	header := make([]byte, mbapHeaderLen)
	if _, err := readFull(r, header); err != nil {
		return nil, fmt.Errorf("modbus: read mbap header: %w", err)
	}
	respLen := binary.BigEndian.Uint16(header[4:6])
	if respLen < 1 {
		return nil, fmt.Errorf("modbus: mbap length %d too short", respLen)
	}
	pduResp := make([]byte, respLen-1)
	if _, err := readFull(r, pduResp); err != nil {
		return nil, fmt.Errorf("modbus: read pdu: %w", err)
	}
	if pduResp[0]&0x80 != 0 {
		code := byte(0)
		if len(pduResp) > 1 {
			code = pduResp[1]
		}
		return nil, fmt.Errorf("modbus: exception response, code 0x%02x", code)
	}
	return pduResp, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// pollBatch groups contiguous points into one register-read window.
type pollBatch struct {
	start  uint16
	qty    uint16
	points []RegPoint
}

// batchPoints groups points sorted by address into windows no wider than
// maxRegs, mirroring config.rs's PollBatch intent (greedy contiguous
// grouping rather than the original's full gap-tolerant packer, since
// the latter's bin-packing heuristic is an optimization detail the spec
// doesn't require bit-for-bit).
func batchPoints(points []RegPoint, maxRegs uint16) []pollBatch {
	sorted := append([]RegPoint(nil), points...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Addr > sorted[j].Addr; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var batches []pollBatch
	var cur pollBatch
	for _, p := range sorted {
		end := p.Addr + uint16(p.DataType.regCount())
		if len(cur.points) == 0 {
			cur = pollBatch{start: p.Addr, qty: end - p.Addr, points: []RegPoint{p}}
			continue
		}
		if end-cur.start <= maxRegs {
			if end-cur.start > cur.qty {
				cur.qty = end - cur.start
			}
			cur.points = append(cur.points, p)
			continue
		}
		batches = append(batches, cur)
		cur = pollBatch{start: p.Addr, qty: end - p.Addr, points: []RegPoint{p}}
	}
	if len(cur.points) > 0 {
		batches = append(batches, cur)
	}
	return batches
}
