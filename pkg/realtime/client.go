// Package realtime implements a channel-style websocket client: it joins a
// topic on a server-pushed stream and reports connection-status transitions
// to whoever is keeping the subscription alive (see pkg/reconnect).
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/backtesting-org/realtime-reconnect/pkg/reconnect"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("realtime client closed")

	// ErrAlreadyConnected is returned by Connect when a connection is live
	// or another dial is in flight.
	ErrAlreadyConnected = errors.New("already connected")
)

// StatusHandler receives connection-status transitions.
type StatusHandler func(status reconnect.Status)

// MessageHandler receives data frames for the joined topic.
type MessageHandler func(msg Message)

// Client is a channel client over a single websocket connection. Dials go
// through a circuit breaker so a flapping endpoint is not hammered; the
// retry pacing itself belongs to the reconnection manager, not the client.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	dialer  Dialer
	clock   clock.Clock
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	conn    Conn
	done    chan struct{}
	joinRef string
	gen     uint64
	dialing bool
	closed  bool

	onStatus  StatusHandler
	onMessage MessageHandler
}

// NewClient validates the configuration and returns a disconnected client.
// A nil dialer gets the production gorilla dialer.
func NewClient(cfg Config, logger *zap.Logger, dialer Dialer) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid realtime config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = NewGorillaDialer(cfg)
	}

	threshold := cfg.BreakerThreshold
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: dialer,
		clock:  clock.New(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "realtime-dial",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
	}, nil
}

// WithClock replaces the wall clock. Must be called before Connect.
func (c *Client) WithClock(clk clock.Clock) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clk
	return c
}

// SetHandlers registers the status and message handlers. Call before Connect.
func (c *Client) SetHandlers(onStatus StatusHandler, onMessage MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = onStatus
	c.onMessage = onMessage
}

// Connect dials the endpoint and joins the configured topic. The join
// outcome arrives asynchronously on the status handler: subscribed on an ok
// reply, subscription_error on an error reply. A dial failure is reported
// both as the returned error and as a channel_error status, so the caller's
// retry loop keeps turning without inspecting the error. At most one dial
// is in flight at a time: a Connect overlapping a live connection or a
// pending dial returns ErrAlreadyConnected instead of racing it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.dialing = true
	c.mu.Unlock()

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.dial(ctx)
	})
	if err != nil {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
		c.logger.Warn("realtime dial failed", zap.Error(err))
		c.emit(reconnect.StatusChannelError)
		return fmt.Errorf("failed to connect realtime channel: %w", err)
	}
	conn := res.(Conn)

	conn.SetReadLimit(c.cfg.MaxMessageSize)

	joinRef := uuid.NewString()
	done := make(chan struct{})

	c.mu.Lock()
	c.dialing = false
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.done = done
	c.joinRef = joinRef
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.readLoop(conn, gen, joinRef)
	go c.heartbeatLoop(conn, done)

	join := Message{
		Topic: c.cfg.Topic,
		Event: EventJoin,
		Ref:   joinRef,
	}
	if err := c.write(conn, join); err != nil {
		c.logger.Error("failed to send join", zap.String("topic", c.cfg.Topic), zap.Error(err))
		c.teardown(gen)
		c.emit(reconnect.StatusChannelError)
		return fmt.Errorf("failed to join topic %s: %w", c.cfg.Topic, err)
	}

	c.logger.Info("realtime channel connecting",
		zap.String("topic", c.cfg.Topic),
		zap.String("join_ref", joinRef))
	return nil
}

// Rejoin tears down any existing connection and connects again. Intended to
// be called from the reconnection manager's OnReconnect callback.
func (c *Client) Rejoin(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	gen := c.gen
	c.mu.Unlock()

	c.teardown(gen)
	return c.Connect(ctx)
}

// Close leaves the topic and closes the connection. The close is
// caller-initiated, so no status is emitted. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	done := c.done
	c.conn = nil
	c.done = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if done != nil {
		close(done)
	}

	// Best-effort polite shutdown; the server may already be gone.
	_ = c.write(conn, Message{Topic: c.cfg.Topic, Event: EventLeave, Ref: uuid.NewString()})
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	err := conn.Close()
	c.logger.Info("realtime channel closed", zap.String("topic", c.cfg.Topic))
	return err
}

// IsConnected reports whether a websocket connection is currently live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// teardown closes the connection belonging to generation gen and
// invalidates that generation, so its read loop exits silently. Stale calls
// (a newer connection already exists) are no-ops.
func (c *Client) teardown(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	done := c.done
	c.conn = nil
	c.done = nil
	c.gen++
	c.mu.Unlock()

	close(done)
	conn.Close()
}

func (c *Client) readLoop(conn Conn, gen uint64, joinRef string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isCurrent(gen) && !c.isClosed() {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Info("realtime channel closed by server")
				} else {
					c.logger.Warn("realtime read error", zap.Error(err))
				}
				c.teardown(gen)
				c.emit(reconnect.StatusClosed)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		if !c.isCurrent(gen) {
			return
		}

		switch msg.Event {
		case EventReply:
			if msg.Ref != joinRef {
				continue
			}
			var reply ReplyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err != nil {
				c.logger.Warn("malformed join reply", zap.Error(err))
				continue
			}
			switch reply.Status {
			case replyOK:
				c.logger.Info("topic joined", zap.String("topic", msg.Topic))
				c.emit(reconnect.StatusSubscribed)
			case replyError:
				c.logger.Warn("topic join rejected",
					zap.String("topic", msg.Topic),
					zap.ByteString("response", reply.Response))
				c.emit(reconnect.StatusSubscriptionError)
			default:
				c.logger.Warn("unexpected join reply status",
					zap.String("topic", msg.Topic),
					zap.String("status", reply.Status))
				c.emit(reconnect.StatusSubscriptionError)
			}

		case EventError:
			c.logger.Warn("channel error frame", zap.String("topic", msg.Topic))
			c.teardown(gen)
			c.emit(reconnect.StatusChannelError)
			return

		case EventClose:
			c.logger.Info("channel close frame", zap.String("topic", msg.Topic))
			c.teardown(gen)
			c.emit(reconnect.StatusClosed)
			return

		case EventHeartbeat:
			// server heartbeat ack, nothing to do

		default:
			c.mu.Lock()
			handler := c.onMessage
			c.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}

// heartbeatLoop sends transport-level heartbeats so intermediaries keep the
// connection open. Liveness detection is the reconnection manager's job.
func (c *Client) heartbeatLoop(conn Conn, done chan struct{}) {
	ticker := c.clock.Ticker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb := Message{
				Topic: "phoenix",
				Event: EventHeartbeat,
				Ref:   uuid.NewString(),
			}
			if err := c.write(conn, hb); err != nil {
				c.logger.Debug("heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) write(conn Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) emit(status reconnect.Status) {
	c.mu.Lock()
	handler := c.onStatus
	c.mu.Unlock()
	if handler != nil {
		handler(status)
	}
}
