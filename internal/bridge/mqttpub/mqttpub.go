// Package mqttpub is the gateway's north-bound MQTT connector: it
// batches acked DataFrames off the FrameBus onto an MQTT topic, and
// turns inbound MQTT write requests into CmdFrames, tracking each in an
// inflight window until the owning driver's CmdAckFrame arrives or the
// request's timeout_ms elapses. See SPEC_FULL.md §4's "MQTT north-bound
// connector" supplemented feature.
//
// Reduced from original_source/connectors/mqtt5 to what this needs to
// prove the round trip: batching publisher, one inflight map keyed by
// cmd_id, QoS passthrough — not mqtt5's compression, TLS client-cert
// config, or disk-backed disconnect buffer.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/gateway-rust-go/internal/config"
	"github.com/nugget/gateway-rust-go/internal/frame"
	"github.com/nugget/gateway-rust-go/internal/framebus"
	"github.com/nugget/gateway-rust-go/internal/value"
)

// Metrics is the subset of gwmetrics counters the bridge updates.
// Defined locally, per the pattern the rest of this repo's layered
// packages use to stay free of a direct prometheus import.
type Metrics interface {
	PublishTotal()
	CmdAckTotal()
	CmdTimeoutTotal()
}

type noopMetrics struct{}

func (noopMetrics) PublishTotal()    {}
func (noopMetrics) CmdAckTotal()     {}
func (noopMetrics) CmdTimeoutTotal() {}

// dataPoint is one sample in an outbound batch message.
type dataPoint struct {
	Tag       string      `json:"tag"`
	Value     value.Value `json:"value"`
	QoS       string      `json:"qos"`
	Timestamp uint64      `json:"ts"`
}

type batchMessage struct {
	Timestamp uint64      `json:"ts"`
	Points    []dataPoint `json:"points"`
}

// cmdRequest is the inbound wire shape accepted on the command topic.
type cmdRequest struct {
	Tag       string      `json:"tag"`
	Value     value.Value `json:"value"`
	Origin    string      `json:"origin,omitempty"`
	TimeoutMS uint32      `json:"timeout_ms,omitempty"`
}

// cmdAckMsg is the outbound wire shape published once a command
// resolves, either by driver ack or by inflight timeout.
type cmdAckMsg struct {
	CmdID    uint64 `json:"cmd_id"`
	Tag      string `json:"tag"`
	Status   string `json:"status"` // "ok", "error", "timeout"
	ErrorMsg string `json:"error,omitempty"`
}

type inflightCmd struct {
	tag      string
	deadline time.Time
}

// Bridge owns one MQTT connection and the north-bound publish + command
// loops. One Bridge per process, constructed in cmd/gatewayd.
type Bridge struct {
	cfg      config.MQTTConfig
	bus      *framebus.Bus
	logger   *slog.Logger
	metrics  Metrics
	clientID string

	cm      *autopaho.ConnectionManager
	nextCmd uint64

	mu       sync.Mutex
	inflight map[uint64]inflightCmd
}

// New constructs a Bridge but does not connect; call Start to begin.
func New(cfg config.MQTTConfig, bus *framebus.Bus, logger *slog.Logger, metrics ...Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	var m Metrics = noopMetrics{}
	if len(metrics) > 0 && metrics[0] != nil {
		m = metrics[0]
	}
	clientID := cfg.ClientID
	if clientID == "" {
		if id, err := uuid.NewV7(); err == nil {
			clientID = "gatewayd-" + id.String()[:8]
		} else {
			clientID = "gatewayd"
		}
	}
	return &Bridge{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		metrics:  m,
		clientID: clientID,
		inflight: make(map[uint64]inflightCmd),
	}
}

func (b *Bridge) baseTopic() string         { return b.cfg.TopicPrefix }
func (b *Bridge) dataTopic() string         { return b.baseTopic() + "/data" }
func (b *Bridge) cmdTopic() string          { return b.baseTopic() + "/cmd" }
func (b *Bridge) cmdAckTopic() string       { return b.baseTopic() + "/cmd/ack" }
func (b *Bridge) availabilityTopic() string { return b.baseTopic() + "/availability" }

// Start connects to the broker and runs the publish-batch loop, the
// command-ack loop, and the inflight sweeper until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqttpub: parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       uint16(b.cfg.KeepAliveDuration().Seconds()),
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqttpub connected", "broker", b.cfg.Broker)
			pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b.publishAvailability(pubCtx, cm, "online")
			b.subscribeCommands(pubCtx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqttpub connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttpub: connect: %w", err)
	}
	b.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		b.handleCommand(pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqttpub initial connection timed out, retrying in background", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); b.publishLoop(ctx) }()
	go func() { defer wg.Done(); b.ackLoop(ctx) }()
	go func() { defer wg.Done(); b.sweepLoop(ctx) }()
	wg.Wait()

	return nil
}

// Stop publishes an offline availability message and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqttpub availability publish failed", "status", status, "error", err)
	}
}

// subscribeCommands re-subscribes to the command topic on every
// (re-)connect, since autopaho does not automatically resubscribe.
func (b *Bridge) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: b.cmdTopic(), QoS: b.cfg.QoS},
		},
	}); err != nil {
		b.logger.Error("mqttpub command subscribe failed", "topic", b.cmdTopic(), "error", err)
	}
}

// publishLoop subscribes to DataFrames on the bus and flushes them to
// MQTT in batches of cfg.BatchSize or every cfg.BatchTimeout, whichever
// comes first — the same two-sided flush trigger as
// original_source/connectors/mqtt5's BatchCfg.
func (b *Bridge) publishLoop(ctx context.Context) {
	sub := b.bus.Subscribe("mqttpub", framebus.DataOnly(), false)

	batch := make([]dataPoint, 0, b.cfg.BatchSize)
	timer := time.NewTimer(b.cfg.BatchTimeoutDuration())
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.publishBatch(batch)
		batch = batch[:0]
	}

	recvCh := make(chan frame.Envelope)
	go func() {
		defer close(recvCh)
		for {
			env, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			select {
			case recvCh <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-recvCh:
			if !ok {
				return
			}
			df, err := env.IntoData()
			if err != nil {
				continue
			}
			batch = append(batch, dataPoint{Tag: df.Tag, Value: df.Value, QoS: df.QoS.String(), Timestamp: df.Timestamp})
			if len(batch) >= b.cfg.BatchSize {
				flush()
				timer.Reset(b.cfg.BatchTimeoutDuration())
			}
		case <-timer.C:
			flush()
			timer.Reset(b.cfg.BatchTimeoutDuration())
		}
	}
}

func (b *Bridge) publishBatch(points []dataPoint) {
	if b.cm == nil {
		return
	}
	msg := batchMessage{Timestamp: uint64(time.Now().UnixNano()), Points: append([]dataPoint(nil), points...)}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("mqttpub marshal batch failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.dataTopic(),
		Payload: payload,
		QoS:     b.cfg.QoS,
	}); err != nil {
		b.logger.Warn("mqttpub batch publish failed", "error", err, "points", len(points))
		return
	}
	b.metrics.PublishTotal()
}

// handleCommand decodes an inbound write request, publishes it onto the
// bus as a CmdFrame, and tracks it in the inflight map until the owning
// driver's CmdAckFrame arrives or the request's timeout elapses.
func (b *Bridge) handleCommand(payload []byte) {
	var req cmdRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Warn("mqttpub decode command failed", "error", err)
		return
	}
	if req.TimeoutMS == 0 {
		req.TimeoutMS = uint32(b.cfg.InflightTimeoutDuration().Milliseconds())
	}

	cmdID := atomic.AddUint64(&b.nextCmd, 1)
	cmd := frame.CmdFrame{
		Tag:       req.Tag,
		Timestamp: uint64(time.Now().UnixNano()),
		Value:     req.Value,
		Origin:    req.Origin,
		CmdID:     cmdID,
		Priority:  1,
		TimeoutMS: req.TimeoutMS,
	}
	if cmd.Origin == "" {
		cmd.Origin = "mqtt"
	}

	b.mu.Lock()
	full := len(b.inflight) >= b.cfg.InflightMax
	b.mu.Unlock()
	if full {
		b.logger.Warn("mqttpub inflight window full, dropping command", "tag", req.Tag, "max", b.cfg.InflightMax)
		return
	}

	pub := framebus.NewPublisher(b.bus)
	if _, err := pub.PublishCmd(cmd); err != nil {
		b.logger.Error("mqttpub publish cmd failed", "tag", req.Tag, "error", err)
		return
	}

	b.mu.Lock()
	b.inflight[cmdID] = inflightCmd{tag: req.Tag, deadline: time.Now().Add(time.Duration(req.TimeoutMS) * time.Millisecond)}
	b.mu.Unlock()
}

// ackLoop watches the bus for CmdAckFrames correlating to an inflight
// command and publishes the result to the ack topic.
func (b *Bridge) ackLoop(ctx context.Context) {
	sub := b.bus.Subscribe("mqttpub-ack", framebus.CmdAckOnly(), false)
	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		ack, err := env.IntoCmdAck()
		if err != nil {
			continue
		}

		b.mu.Lock()
		_, ok := b.inflight[ack.CmdID]
		delete(b.inflight, ack.CmdID)
		b.mu.Unlock()
		if !ok {
			continue
		}

		status := "ok"
		if !ack.Success {
			status = "error"
		}
		b.metrics.CmdAckTotal()
		b.publishAck(cmdAckMsg{CmdID: ack.CmdID, Tag: ack.Tag, Status: status, ErrorMsg: ack.ErrorMsg})
	}
}

// sweepLoop evicts inflight commands past their deadline and reports
// them to the ack topic with status "timeout", mirroring
// InflightTracker::get_timeout_messages from original_source/
// connectors/mqtt5/src/inflight.rs.
func (b *Bridge) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepOnce(time.Now())
		}
	}
}

// sweepOnce evicts inflight commands whose deadline is before now,
// publishing a timeout ack for each. Split out from sweepLoop so it can
// be driven directly in tests without waiting on the ticker.
func (b *Bridge) sweepOnce(now time.Time) {
	expired := make(map[uint64]inflightCmd)
	b.mu.Lock()
	for id, c := range b.inflight {
		if now.After(c.deadline) {
			expired[id] = c
			delete(b.inflight, id)
		}
	}
	b.mu.Unlock()
	for id, c := range expired {
		b.metrics.CmdTimeoutTotal()
		b.publishAck(cmdAckMsg{CmdID: id, Tag: c.tag, Status: "timeout"})
	}
}

func (b *Bridge) publishAck(msg cmdAckMsg) {
	if b.cm == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("mqttpub marshal ack failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.cmdAckTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		b.logger.Warn("mqttpub ack publish failed", "error", err)
	}
}
