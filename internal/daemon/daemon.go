// Package daemon implements the per-workspace matrix client: a durable
// outbound queue drained over the hub WebSocket, inbound message intake
// with dedup, and a local HTTP surface for status, streaming, and control.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixfabric/matrixfabric/internal/adapters/gitctx"
	"github.com/matrixfabric/matrixfabric/internal/adapters/llm"
	"github.com/matrixfabric/matrixfabric/internal/adapters/voice"
	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/events/bus"
	"github.com/matrixfabric/matrixfabric/internal/retrieval"
	"github.com/matrixfabric/matrixfabric/internal/store"
	"github.com/matrixfabric/matrixfabric/pkg/wire"
)

const (
	outboundSweepInterval = 1 * time.Second
	outboundBatch         = 32
)

// Daemon is the matrix client process: it owns the hub link, the outbound
// queue sweeper, and the local control surface. Enqueue never blocks on
// the network; the queue drains whenever the hub is reachable.
type Daemon struct {
	cfg      *config.Config
	matrixID string

	store  *store.Store
	bus    bus.EventBus
	retr   *retrieval.Engine
	conn   *hubConn
	broker *sseBroker

	git       *gitctx.Collector
	summarize *llm.Client
	announcer *voice.Announcer

	startedAt time.Time
	log       *logger.Logger
}

// New wires a daemon. The retrieval engine may be nil; the recall routes
// then answer 503.
func New(cfg *config.Config, st *store.Store, eventBus bus.EventBus, retr *retrieval.Engine, log *logger.Logger) (*Daemon, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Daemon.MatrixID == "" {
		return nil, fmt.Errorf("daemon.matrixId is required")
	}

	displayName := cfg.Daemon.DisplayName
	if displayName == "" {
		displayName = cfg.Daemon.MatrixID
	}
	hubURL := cfg.Daemon.HubURL
	if hubURL == "" {
		hubURL = cfg.Hub.URL()
	}

	d := &Daemon{
		cfg:       cfg,
		matrixID:  cfg.Daemon.MatrixID,
		store:     st,
		bus:       eventBus,
		retr:      retr,
		broker:    newSSEBroker(),
		git:       gitctx.New(log),
		summarize: llm.New(cfg.LLM, log),
		startedAt: time.Now(),
		log:       log.WithComponent("daemon").WithMatrixID(cfg.Daemon.MatrixID),
	}
	if cfg.Daemon.Voice {
		d.announcer = voice.New(log)
		if !d.announcer.Enabled() {
			d.log.Warn("voice enabled but no TTS binary found")
		}
	}
	d.conn = newHubConn(d.matrixID, displayName, hubURL, cfg.Daemon.PIN, d.handleFrame, log)
	return d, nil
}

// Start resurrects crash leftovers and runs the daemon's loops until the
// context is cancelled: hub link, outbound sweeper, local HTTP surface.
func (d *Daemon) Start(ctx context.Context) error {
	if n, err := d.store.ResurrectSending(ctx, d.matrixID); err != nil {
		d.log.Warn("resurrect sending rows", zap.Error(err))
	} else if n > 0 {
		d.log.Info("resurrected in-flight messages", zap.Int64("count", n))
	}

	g, ctx := errgroup.WithContext(ctx)
	if d.announcer != nil {
		d.announcer.Start(ctx)
		defer d.announcer.Stop()
	}
	g.Go(func() error {
		d.conn.run(ctx)
		return nil
	})
	g.Go(func() error {
		d.sweepLoop(ctx)
		return nil
	})
	g.Go(func() error {
		return d.serve(ctx)
	})
	return g.Wait()
}

// Enqueue persists an outbound message and returns immediately. An empty
// to broadcasts. The sweeper delivers it when the hub is reachable.
func (d *Daemon) Enqueue(ctx context.Context, to, content string, metadata map[string]interface{}) (*store.MatrixMessage, error) {
	m := &store.MatrixMessage{
		ID:         uuid.New().String(),
		FromMatrix: d.matrixID,
		Content:    content,
		MaxRetries: d.cfg.Daemon.MaxRetries,
	}
	if to != "" {
		m.ToMatrix = &to
	}
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		m.MetadataJSON = string(data)
	}

	if err := d.store.EnqueueOutbound(ctx, m); err != nil {
		return nil, err
	}
	d.publish(ctx, events.MessageEnqueued, map[string]interface{}{
		"message_id":      m.ID,
		"to":              to,
		"sequence_number": m.SequenceNumber,
	})
	return m, nil
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(outboundSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepOutboundOnce(ctx)
		}
	}
}

// SweepOutboundOnce drains due outbound messages over the hub link. Each
// delivery is two-phase: the row moves to sending before the network
// write and to sent after it, so a crash can only duplicate, never lose.
func (d *Daemon) SweepOutboundOnce(ctx context.Context) {
	if !d.conn.IsConnected() {
		return
	}

	due, err := d.store.DueOutbound(ctx, d.matrixID, outboundBatch)
	if err != nil {
		d.log.Warn("list due outbound", zap.Error(err))
		return
	}

	for _, m := range due {
		took, err := d.store.MarkSending(ctx, m.ID)
		if err != nil {
			d.log.Warn("mark sending", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		if !took {
			continue
		}

		if err := d.conn.Send(d.frameFor(m)); err != nil {
			d.requeue(ctx, m.ID, err)
			// The socket is likely gone; stop this pass.
			return
		}

		if err := d.store.MarkSent(ctx, m.ID); err != nil {
			d.log.Warn("mark sent", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		d.publish(ctx, events.MessageSent, map[string]interface{}{
			"message_id":      m.ID,
			"sequence_number": m.SequenceNumber,
		})
	}
}

func (d *Daemon) requeue(ctx context.Context, messageID string, sendErr error) {
	updated, err := d.store.RequeueForRetry(ctx, messageID, sendErr.Error())
	if err != nil {
		d.log.Error("requeue after send failure", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	if updated.Status == store.MessageStatusFailed {
		d.log.Error("message failed terminally",
			zap.String("message_id", messageID),
			zap.Int("retry_count", updated.RetryCount))
		d.publish(ctx, events.MessageFailed, map[string]interface{}{
			"message_id": messageID,
			"error":      sendErr.Error(),
		})
		return
	}
	d.log.Warn("send failed, retry scheduled",
		zap.String("message_id", messageID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Error(sendErr))
}

// frameFor builds the wire frame for an outbound row. The stable message
// ID and sequence number ride in metadata so peers can dedup and order.
func (d *Daemon) frameFor(m *store.MatrixMessage) *wire.Frame {
	metadata := map[string]interface{}{}
	if m.MetadataJSON != "" && m.MetadataJSON != "{}" {
		_ = json.Unmarshal([]byte(m.MetadataJSON), &metadata)
	}
	metadata[wire.MetaKeyMessageID] = m.ID
	metadata[wire.MetaKeySequenceNumber] = m.SequenceNumber

	to := ""
	if m.ToMatrix != nil {
		to = *m.ToMatrix
	}
	return wire.NewMessage(to, m.Content, metadata)
}

// handleFrame dispatches inbound hub frames. Ping replies happen in the
// connection read loop; everything else lands here.
func (d *Daemon) handleFrame(ctx context.Context, f *wire.Frame) {
	switch f.Type {
	case wire.FrameTypeMessage:
		d.handleInbound(ctx, f)

	case wire.FrameTypePresence:
		d.broker.publish(map[string]interface{}{
			"type":      "presence",
			"matrix_id": f.MatrixID,
			"status":    f.Status,
		})
		d.publish(ctx, events.PresenceChanged, map[string]interface{}{
			"matrix_id": f.MatrixID,
			"status":    f.Status,
		})

	case wire.FrameTypeRegistered:
		d.log.Info("hub session established",
			zap.Strings("online_matrices", f.OnlineMatrices))

	case wire.FrameTypeError:
		d.log.Warn("hub reported error",
			zap.String("code", f.Code), zap.String("message", f.Message))

	case wire.FrameTypePong:
		// Liveness reply; nothing to do.

	default:
		d.log.Debug("dropping frame of unknown type", zap.String("type", string(f.Type)))
	}
}

// handleInbound stores a received message and fans it out locally. Replays
// of an already-seen message ID are dropped silently.
func (d *Daemon) handleInbound(ctx context.Context, f *wire.Frame) {
	id := f.MessageID()
	if id == "" {
		id = uuid.New().String()
	}
	seq, _ := f.SequenceNumber()

	m := &store.MatrixMessage{
		ID:             id,
		FromMatrix:     f.From,
		Content:        f.Content,
		SequenceNumber: seq,
	}
	if f.To != "" {
		to := f.To
		m.ToMatrix = &to
	}
	if len(f.Metadata) > 0 {
		if data, err := json.Marshal(f.Metadata); err == nil {
			m.MetadataJSON = string(data)
		}
	}

	isNew, err := d.store.InsertInbound(ctx, m)
	if err != nil {
		d.log.Error("store inbound message", zap.String("message_id", id), zap.Error(err))
		return
	}
	if !isNew {
		d.log.Debug("duplicate inbound message dropped", zap.String("message_id", id))
		return
	}

	d.broker.publish(map[string]interface{}{
		"type":    "message",
		"message": m,
	})
	d.publish(ctx, events.MessageReceived, map[string]interface{}{
		"message_id":      m.ID,
		"from":            m.FromMatrix,
		"sequence_number": m.SequenceNumber,
	})
	if d.announcer != nil {
		d.announcer.Announce(fmt.Sprintf("Message from %s", m.FromMatrix))
	}
}

// HubStatus exposes the hub link state.
func (d *Daemon) HubStatus() hubStatus {
	return d.conn.Status()
}

// AuthReset clears the auth-stop state, optionally installing a new PIN.
func (d *Daemon) AuthReset(pin string) {
	d.conn.AuthReset(pin)
}

func (d *Daemon) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "daemon", data)
	if err := d.bus.Publish(ctx, events.SubjectFor(eventType), ev); err != nil {
		d.log.Warn("publish daemon event", zap.String("type", eventType), zap.Error(err))
	}
}
