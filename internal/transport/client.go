package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"partyoverlay/internal/models"
)

var ErrNotConnected = errors.New("websocket not connected")

type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// Status is published on every connection state change.
type Status struct {
	State   ConnState     `json:"state"`
	Attempt int           `json:"attempt"`
	RetryIn time.Duration `json:"retry_in,omitempty"`
	Err     string        `json:"error,omitempty"`
}

// Client owns one persistent websocket to the party backend. Inbound frames
// are classified onto the Photos and Messages channels, each meant for a
// single consumer. Outbound sends are best effort and never buffered.
type Client struct {
	url          *url.URL
	policy       TokenPolicy
	dialer       *websocket.Dialer
	pingInterval time.Duration

	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64

	photos   chan models.PhotoEvent
	messages chan Message
	status   chan Status

	connMu sync.Mutex
	conn   *websocket.Conn

	startOnce sync.Once
	done      chan struct{}
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

func WithBackoff(initial, max time.Duration, factor float64) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
		c.backoffFactor = factor
	}
}

func New(rawURL string, policy TokenPolicy, opts ...Option) (*Client, error) {
	wsURL := strings.Replace(rawURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket url must use ws or wss scheme")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("websocket url must have a host")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		url:            u,
		policy:         policy,
		dialer:         websocket.DefaultDialer,
		pingInterval:   10 * time.Second,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		backoffFactor:  DefaultBackoffFactor,
		photos:         make(chan models.PhotoEvent, 16),
		messages:       make(chan Message, 16),
		status:         make(chan Status, 8),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) Photos() <-chan models.PhotoEvent { return c.photos }
func (c *Client) Messages() <-chan Message         { return c.messages }
func (c *Client) Status() <-chan Status            { return c.status }

// Done is closed once the connection loop has exited and all channels are
// closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Start runs the connect/reconnect loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.loop(ctx)
	})
}

func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Send writes v as a JSON text frame. It fails with ErrNotConnected instead of
// queueing while the socket is down.
func (c *Client) Send(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) loop(ctx context.Context) {
	defer func() {
		close(c.photos)
		close(c.messages)
		close(c.status)
		close(c.done)
	}()
	b := newBackoff(c.initialBackoff, c.maxBackoff, c.backoffFactor)

	for attempt := 1; ; attempt++ {
		c.publishStatus(Status{State: StateConnecting, Attempt: attempt})
		err := c.connect(ctx, b)
		if ctx.Err() != nil {
			return
		}
		delay := b.Next()
		st := Status{State: StateDisconnected, Attempt: attempt, RetryIn: delay}
		if err != nil {
			st.Err = err.Error()
			log.Printf("transport: %s: %v (retry in %s)", c.url.Redacted(), err, delay)
		}
		c.publishStatus(st)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) connect(ctx context.Context, b *backoff) error {
	dialURL, protocols := c.policy.apply(c.url)
	dialer := *c.dialer
	dialer.Subprotocols = protocols

	conn, _, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return err
	}
	b.Reset()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	log.Printf("transport: connected to %s", c.url.Redacted())
	c.publishStatus(Status{State: StateConnected})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx, conn)

	// Unblock ReadMessage when the caller cancels.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		photo, msg, ok := classify(data)
		if !ok {
			continue
		}
		if photo != nil {
			select {
			case c.photos <- *photo:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case c.messages <- *msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(5*time.Second),
			); err != nil {
				return
			}
		}
	}
}

func (c *Client) publishStatus(s Status) {
	select {
	case c.status <- s:
	default:
	}
}
