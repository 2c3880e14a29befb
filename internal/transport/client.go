package transport

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkruglov/phantom/internal/bus"
	"github.com/pkruglov/phantom/internal/session"
	"github.com/pkruglov/phantom/internal/store"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// checkpointKey is the sync_state row holding the timestamp of the last
	// processed relay event, used to resume after reconnects.
	checkpointKey = "transport/last_event"
)

// Client maintains the websocket connection to the relay, reconnecting with
// backoff. Decoded frames are published as transport.* bus events; outbound
// sends fail with ErrUnavailable while disconnected.
type Client struct {
	url        string
	identifier string
	db         *store.DB
	bus        *bus.Bus
	machine    *session.Machine
	logger     *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

// NewClient creates a relay client. identifier is the hashed identifier
// presented to the relay; the plaintext one never goes on the wire.
func NewClient(url, identifier string, db *store.DB, b *bus.Bus, machine *session.Machine, logger *zap.Logger) *Client {
	return &Client{
		url:        url,
		identifier: identifier,
		db:         db,
		bus:        b,
		machine:    machine,
		logger:     logger,
	}
}

// Start begins the connect/reconnect loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop tears the connection down.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// SendMessage dispatches an encrypted envelope to the relay.
func (c *Client) SendMessage(ctx context.Context, env *Envelope) error {
	return c.sendFrame(ctx, FrameMessage, env)
}

// SendStatus dispatches a delivery status notification for the peer.
func (c *Client) SendStatus(ctx context.Context, upd *StatusUpdate) error {
	return c.sendFrame(ctx, FrameStatus, upd)
}

// SendClear dispatches a conversation deletion notice (or its ack).
func (c *Client) SendClear(ctx context.Context, notice *ClearNotice) error {
	t := FrameClear
	if notice.Ack {
		t = FrameClearAck
	}
	return c.sendFrame(ctx, t, notice)
}

func (c *Client) sendFrame(ctx context.Context, t FrameType, payload any) error {
	data, err := EncodeFrame(t, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ch := c.send
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected || ch == nil {
		return ErrUnavailable
	}

	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrUnavailable
	}
}

func (c *Client) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("relay dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		// readPump returns when the connection drops.
		c.readPump(ctx)

		c.mu.Lock()
		c.conn = nil
		c.send = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		_ = c.machine.Transition(session.Reconnecting)
		c.bus.Publish(bus.Event{Kind: "transport.disconnected", Timestamp: time.Now()})
	}
}

func (c *Client) connect(ctx context.Context) error {
	_ = c.machine.Transition(session.Connecting)

	header := http.Header{}
	header.Set("X-Phantom-Identifier", c.identifier)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}

	send := make(chan []byte, 64)
	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.mu.Unlock()

	go c.writePump(ctx, conn, send)

	_ = c.machine.Transition(session.Syncing)
	c.bus.Publish(bus.Event{Kind: "transport.connected", Timestamp: time.Now()})
	c.logger.Info("relay connected", zap.String("url", c.url))

	// Ask the relay to replay everything missed since the last processed
	// event, then the session is considered live.
	since := c.checkpoint()
	if data, err := EncodeFrame(FrameResume, &ResumePayload{Since: since}); err == nil {
		select {
		case send <- data:
		default:
		}
	}
	_ = c.machine.Transition(session.Ready)
	return nil
}

func (c *Client) readPump(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay read error", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.handleRaw(data)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleRaw decodes one relay frame and publishes the matching bus event.
// A bad frame is logged and dropped; the pump must survive it.
func (c *Client) handleRaw(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	if evt, ok := DecodeEvent(frame); ok {
		c.bus.Publish(evt)
		c.setCheckpoint(frame.Timestamp)
	} else {
		c.logger.Warn("dropping frame", zap.String("type", string(frame.Type)))
	}
}

func (c *Client) checkpoint() int64 {
	v, err := c.db.Checkpoint(checkpointKey)
	if err != nil || v == "" {
		return 0
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func (c *Client) setCheckpoint(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if err := c.db.SetCheckpoint(checkpointKey, strconv.FormatInt(ts.UnixMilli(), 10)); err != nil {
		c.logger.Warn("failed to store transport checkpoint", zap.Error(err))
	}
}
