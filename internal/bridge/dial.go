package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/pkg/wire"
)

// Start launches the dial loop when a worker URL is configured. In attach
// mode the bridge stays disconnected until a worker authenticates on the
// listener.
func (b *Bridge) Start(ctx context.Context) {
	if b.cfg.WorkerURL == "" {
		return
	}
	go b.runDialLoop(ctx)
}

// runDialLoop keeps one worker link alive: dial, handshake, read until the
// link drops, back off, repeat. Backoff doubles from the configured floor
// to the cap and resets after any session that reached connected; too many
// consecutive failures park the bridge in disabled.
func (b *Bridge) runDialLoop(ctx context.Context) {
	backoff := b.cfg.ReconnectMinBackoff.Duration
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if b.isShuttingDown() {
			return
		}

		b.setState(StateConnecting)
		connected, err := b.dialOnce(ctx)
		if ctx.Err() != nil || b.isShuttingDown() {
			return
		}
		if err != nil {
			b.logger.Warn("ai worker link down", "error", err)
		}
		if connected {
			backoff = b.cfg.ReconnectMinBackoff.Duration
		}

		failures := b.bumpFailures()
		if failures >= b.cfg.MaxConsecutiveFailures {
			b.disable(failures)
			return
		}

		b.setState(StateError)
		b.logger.Info("reconnecting to ai worker", "delay", backoff, "consecutive_failures", failures)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if maxB := b.cfg.ReconnectMaxBackoff.Duration; backoff > maxB {
			backoff = maxB
		}
	}
}

// dialOnce runs one complete link session: dial, credential handshake,
// adopt, then read frames until the socket dies. The bool reports whether
// the session reached connected.
func (b *Bridge) dialOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, b.cfg.WorkerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial ai worker: %w", err)
	}
	defer func() { _ = ws.Close() }()

	ws.SetReadLimit(UpstreamReadLimit)
	conn := registry.NewConn(ws, ws.RemoteAddr().String())

	auth := wire.AIAuthOut{
		Type:       wire.TypeAIAuth,
		ServiceKey: b.cfg.ServiceKey,
		CanisterID: b.cfg.CanisterID,
	}
	if err := conn.Send(auth); err != nil {
		return false, fmt.Errorf("send ai_auth: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(dialHandshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("read ai_auth_ack: %w", err)
	}
	var ack wire.AIAuthAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return false, fmt.Errorf("parse ai_auth_ack: %w", err)
	}
	if ack.Type != wire.TypeAIAuthAck || !ack.Accepted {
		return false, fmt.Errorf("ai worker refused handshake: %s", ack.Reason)
	}
	_ = ws.SetReadDeadline(time.Time{})

	if err := b.adopt(conn, true); err != nil {
		return false, err
	}
	defer b.Detach(conn.ID)

	b.logger.Info("connected to ai worker", "url", b.cfg.WorkerURL)

	// Shutdown closes the socket, which unblocks this read.
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read from ai worker: %w", err)
		}
		b.dispatchWorkerFrame(conn, raw)
	}
}

// dispatchWorkerFrame handles one frame read off the dialed link. In
// attach mode the message router does this dispatch instead.
func (b *Bridge) dispatchWorkerFrame(conn *registry.Conn, raw []byte) {
	var head wire.Head
	if err := json.Unmarshal(raw, &head); err != nil {
		b.logger.Warn("undecodable frame from ai worker", "error", err)
		return
	}
	switch head.Type {
	case wire.TypeAIResponse:
		var resp wire.AIResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			b.logger.Warn("bad ai_response frame", "error", err)
			return
		}
		b.HandleResponse(resp)
	case wire.TypeAIStatus:
		var st wire.AIStatus
		if err := json.Unmarshal(raw, &st); err != nil {
			b.logger.Warn("bad ai_status frame", "error", err)
			return
		}
		b.HandleStatus(st)
	case wire.TypePing:
		_ = conn.Send(wire.Pong{Type: wire.TypePong})
	default:
		b.logger.Debug("ignoring frame from ai worker", "type", head.Type)
	}
}

// disable parks the bridge permanently after too many consecutive failed
// link attempts. Only a restart recovers it.
func (b *Bridge) disable(failures int) {
	b.setState(StateDisabled)
	b.logger.Error("ai worker link disabled", "consecutive_failures", failures)
	b.failAllPending("The AI assistant is currently unavailable.", 0)
}
