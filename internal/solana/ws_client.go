package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"solana-flowwatch/internal/observability"
)

// WSClientConfig configures WebSocket transport behavior.
type WSClientConfig struct {
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between reconnect attempts.
	MaxBackoff time.Duration
	// MaxRetries stops reconnecting after this many consecutive failures. 0 retries forever.
	MaxRetries int
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds each dial.
	HandshakeTimeout time.Duration
	// SendQueue is the outbound frame buffer.
	SendQueue int
	// EventBuffer is the event feed buffer.
	EventBuffer int
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		InitialBackoff:   1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SendQueue:        64,
		EventBuffer:      10000,
	}
}

// reconnectPolicy computes min(initial * 2^retryCount, max) delays.
type reconnectPolicy struct {
	bo         *backoff.ExponentialBackOff
	maxRetries int
	retryCount int
}

func newReconnectPolicy(initial, max time.Duration, maxRetries int) *reconnectPolicy {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &reconnectPolicy{bo: bo, maxRetries: maxRetries}
}

// next returns the delay for the next attempt, or false once the budget is spent.
func (p *reconnectPolicy) next() (time.Duration, bool) {
	if p.maxRetries > 0 && p.retryCount >= p.maxRetries {
		return 0, false
	}
	p.retryCount++
	return p.bo.NextBackOff(), true
}

// reset is called after a successful open.
func (p *reconnectPolicy) reset() {
	p.retryCount = 0
	p.bo.Reset()
}

// WSClient implements Transport using gorilla/websocket.
type WSClient struct {
	endpoint string
	config   WSClientConfig
	logger   logrus.FieldLogger
	dialer   websocket.Dialer

	mu             sync.Mutex
	state          ConnState
	conn           *websocket.Conn
	gen            uint64 // incremented on every open; stale readers compare against it
	sub            *Subscription
	subRequestID   uint64
	policy         *reconnectPolicy
	reconnectTimer *time.Timer

	// writeMu serializes frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	requestID atomic.Uint64
	outbound  chan []byte

	events       chan TransportEvent
	eventsMu     sync.RWMutex
	eventsClosed bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Transport = (*WSClient)(nil)

// NewWSClient creates a disconnected transport. Call Connect to open it.
func NewWSClient(endpoint string, config *WSClientConfig, logger logrus.FieldLogger) *WSClient {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 10000
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &WSClient{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger.WithField("component", "ws"),
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:    StateDisconnected,
		policy:   newReconnectPolicy(cfg.InitialBackoff, cfg.MaxBackoff, cfg.MaxRetries),
		outbound: make(chan []byte, cfg.SendQueue),
		events:   make(chan TransportEvent, cfg.EventBuffer),
		done:     make(chan struct{}),
	}

	c.wg.Add(2)
	go c.writeLoop()
	go c.pingLoop()

	return c
}

// Events returns the transport event feed.
func (c *WSClient) Events() <-chan TransportEvent {
	return c.events
}

// State returns the current connection state.
func (c *WSClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the endpoint. On failure a reconnect is scheduled and the
// dial error is returned.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosing:
		c.mu.Unlock()
		return ErrTransportClosed
	case StateOpen, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		err = fmt.Errorf("websocket dial: %w", err)
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()

		observability.RecordTransportError()
		c.emit(TransportEvent{Kind: EventError, Err: err})
		c.scheduleReconnect()
		return err
	}

	c.onOpen(conn)
	return nil
}

// onOpen installs conn, resets the backoff and re-issues the subscription.
func (c *WSClient) onOpen(conn *websocket.Conn) {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.policy.reset()
	c.setStateLocked(StateOpen)
	var sub *Subscription
	if c.sub != nil {
		s := *c.sub
		sub = &s
	}
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	c.logger.WithField("endpoint", c.endpoint).Info("Connection opened")
	c.emit(TransportEvent{Kind: EventOpened})

	c.wg.Add(1)
	go c.readLoop(conn, gen)

	if sub != nil {
		if err := c.sendSubscribe(*sub); err != nil {
			c.logger.WithError(err).Warn("Failed to re-issue subscription")
		}
	}
}

// Subscribe records sub and sends it immediately when the connection is open.
func (c *WSClient) Subscribe(sub Subscription) error {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	s := sub
	c.sub = &s
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open {
		return nil
	}
	return c.sendSubscribe(sub)
}

// Unsubscribe forgets the subscription and asks the node to drop it.
func (c *WSClient) Unsubscribe() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.subRequestID = 0
	open := c.state == StateOpen
	c.mu.Unlock()

	if sub == nil || sub.ID == 0 || !open {
		return nil
	}

	method := "logsUnsubscribe"
	if sub.Method != "" {
		base, ok := strings.CutSuffix(sub.Method, "Subscribe")
		if !ok || base == "" {
			c.logger.WithField("method", sub.Method).Warn("No unsubscribe method known, skipping")
			return nil
		}
		method = base + "Unsubscribe"
	}
	return c.sendRequest(method, []interface{}{sub.ID})
}

func (c *WSClient) sendSubscribe(sub Subscription) error {
	method := sub.Method
	if method == "" {
		method = "logsSubscribe"
	}
	reqID := c.requestID.Add(1)

	c.mu.Lock()
	c.subRequestID = reqID
	c.mu.Unlock()

	payload, err := json.Marshal(wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  sub.params(),
	})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	return c.Send(payload)
}

func (c *WSClient) sendRequest(method string, params []interface{}) error {
	payload, err := json.Marshal(wsRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	return c.Send(payload)
}

// Send queues payload for the writer goroutine. It never blocks.
func (c *WSClient) Send(payload []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateClosing:
		return ErrTransportClosed
	case StateOpen:
	default:
		return ErrNotConnected
	}

	select {
	case c.outbound <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close tears down the connection and cancels any pending reconnect.
// The transport cannot be reused.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.setStateLocked(StateClosing)
		if c.reconnectTimer != nil {
			if c.reconnectTimer.Stop() {
				// The scheduled reconnect will never run.
				c.wg.Done()
			}
			c.reconnectTimer = nil
		}
		conn := c.conn
		c.conn = nil
		c.sub = nil
		c.mu.Unlock()

		close(c.done)

		if conn != nil {
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			conn.Close()
		}

		c.wg.Wait()

		c.logger.Info("Transport closed")
		c.eventsMu.Lock()
		c.eventsClosed = true
		select {
		case c.events <- TransportEvent{Kind: EventClosed}:
		default:
		}
		close(c.events)
		c.eventsMu.Unlock()
	})
	return nil
}

// scheduleReconnect arms the reconnect timer unless closing or out of retries.
func (c *WSClient) scheduleReconnect() {
	c.mu.Lock()
	if c.state == StateClosing || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	delay, ok := c.policy.next()
	if !ok {
		retries := c.policy.retryCount
		c.mu.Unlock()
		c.logger.WithField("retries", retries).Error("Giving up reconnecting")
		c.emit(TransportEvent{Kind: EventMaxRetriesExceeded, Err: ErrMaxRetriesExceeded})
		return
	}
	attempt := c.policy.retryCount
	c.wg.Add(1)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.reconnect()
	})
	c.mu.Unlock()

	observability.RecordReconnect()
	c.logger.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Warn("Reconnect scheduled")
}

func (c *WSClient) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout+time.Second)
	defer cancel()

	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Connect schedules the next attempt itself on failure.
	_ = c.Connect(ctx)
}

// readLoop reads frames from conn until it fails.
func (c *WSClient) readLoop(conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()

	for {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, gen, err)
			return
		}

		observability.RecordTransportMessage()
		c.observeAck(message)
		c.emit(TransportEvent{Kind: EventMessage, Payload: message})
	}
}

// handleDisconnect moves an open connection back to disconnected and
// schedules a reconnect. Stale generations and explicit closes are ignored.
func (c *WSClient) handleDisconnect(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.state == StateClosing || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	if c.sub != nil {
		c.sub.ID = 0
	}
	c.mu.Unlock()

	conn.Close()

	observability.RecordTransportError()
	c.logger.WithError(err).Warn("Connection lost")
	c.emit(TransportEvent{Kind: EventError, Err: fmt.Errorf("read: %w", err)})
	c.emit(TransportEvent{Kind: EventClosed})
	c.scheduleReconnect()
}

// observeAck records the node-assigned subscription ID.
func (c *WSClient) observeAck(message []byte) {
	var resp wsSubscribeResponse
	if err := json.Unmarshal(message, &resp); err != nil || resp.Result <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil && resp.ID == c.subRequestID {
		c.sub.ID = resp.Result
	}
}

// SubscriptionID returns the node-assigned ID of the current subscription, or 0.
func (c *WSClient) SubscriptionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return 0
	}
	return c.sub.ID
}

// writeLoop drains the outbound queue onto the current connection.
func (c *WSClient) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbound:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				c.emit(TransportEvent{Kind: EventError, Err: ErrNotConnected})
				continue
			}

			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := conn.WriteMessage(websocket.TextMessage, payload)
			c.writeMu.Unlock()

			if err != nil {
				c.emit(TransportEvent{Kind: EventError, Err: fmt.Errorf("write: %w", err)})
				// The read loop observes the broken connection and reconnects.
				conn.Close()
			}
		}
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			// A dead connection surfaces through the read loop.
			_ = conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
		}
	}
}

// emit delivers ev to the feed, blocking until it is consumed or the
// transport is closed.
func (c *WSClient) emit(ev TransportEvent) {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// setStateLocked updates the state. Caller holds mu.
func (c *WSClient) setStateLocked(s ConnState) {
	c.state = s
	observability.SetTransportState(int(s))
}
