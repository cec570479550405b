// Package realtime implements the persistent control channel: a single
// reconnecting message socket with typed publish/subscribe, an outgoing FIFO
// queue that survives disconnects, and capped exponential reconnect backoff.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomvoice/internal/ports"
	"roomvoice/internal/protocol"
)

// ConnectionState is the observable channel state. It is owned by the
// client; subscribers observe it but never mutate it.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 10 * time.Second
)

// Handler consumes one decoded inbound message.
type Handler = func(msg protocol.Incoming)

// StatusHandler observes connection state transitions.
type StatusHandler func(state ConnectionState)

// Options configures a Client.
type Options struct {
	URL         string
	Dialer      ports.SocketDialer
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      zerolog.Logger
}

type subscription struct {
	handler Handler
}

type statusSubscription struct {
	handler StatusHandler
}

// Client is the process-wide signaling connection. All session and job
// consumers share one instance; only deliberate app shutdown disconnects it.
type Client struct {
	url    string
	dialer ports.SocketDialer
	base   time.Duration
	max    time.Duration
	log    zerolog.Logger

	mu              sync.Mutex
	state           ConnectionState
	conn            ports.SocketConn
	gen             int
	dialing         bool
	shouldReconnect bool
	attempts        int
	reconnectTimer  *time.Timer
	queue           [][]byte
	subs            map[protocol.EventName][]*subscription
	statusSubs      []*statusSubscription
}

// New creates a disconnected client. Call Connect (or Send) to open it.
func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = &WebsocketDialer{}
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = defaultBackoffMax
	}
	return &Client{
		url:             opts.URL,
		dialer:          opts.Dialer,
		base:            opts.BackoffBase,
		max:             opts.BackoffMax,
		log:             opts.Logger,
		state:           StateIdle,
		shouldReconnect: true,
		subs:            make(map[protocol.EventName][]*subscription),
	}
}

// Connect opens the socket. Idempotent: a no-op while already connecting or
// open. Dial failures never surface to the caller; they schedule a reconnect.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.dialing || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.clearReconnectTimerLocked()
	c.dialing = true
	c.gen++
	gen := c.gen
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	notify()
	go c.dial(gen)
}

func (c *Client) dial(gen int) {
	conn, err := c.dialer.Dial(context.Background(), c.url)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.dialing = false

	if err != nil {
		notify := c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("url", c.url).Msg("signaling dial failed")
		notify()
		return
	}

	c.conn = conn
	c.attempts = 0
	notify := c.setStateLocked(StateOpen)

	// Flush queued messages in submission order before anything else is
	// written on this connection.
	var writeErr error
	for len(c.queue) > 0 {
		if writeErr = conn.WriteMessage(c.queue[0]); writeErr != nil {
			break
		}
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()

	notify()
	if writeErr != nil {
		c.handleClose(gen, writeErr)
		return
	}
	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn ports.SocketConn, gen int) {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}

		msg, derr := protocol.DecodeIncoming(frame)
		if derr != nil {
			if errors.Is(derr, protocol.ErrUnknownEvent) {
				c.log.Debug().Err(derr).Msg("dropping unknown control event")
			} else {
				c.log.Warn().Err(derr).Msg("dropping malformed control frame")
			}
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch runs on the single read goroutine, so subscribers see messages in
// wire arrival order and, per event, in registration order.
func (c *Client) dispatch(msg protocol.Incoming) {
	c.mu.Lock()
	subs := append([]*subscription(nil), c.subs[msg.Event]...)
	c.mu.Unlock()

	for _, sub := range subs {
		c.invoke(sub.handler, msg)
	}
}

func (c *Client) invoke(handler Handler, msg protocol.Incoming) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("event", string(msg.Event)).Msg("subscriber panicked")
		}
	}()
	handler(msg)
}

func (c *Client) handleClose(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	c.dialing = false

	notifyClosed := c.setStateLocked(StateClosed)
	var notifyReconnect func()
	if c.shouldReconnect {
		notifyReconnect = c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.log.Debug().Err(cause).Msg("signaling socket closed")
	notifyClosed()
	if notifyReconnect != nil {
		notifyReconnect()
	}
}

func (c *Client) scheduleReconnectLocked() func() {
	if !c.shouldReconnect {
		return func() {}
	}
	c.clearReconnectTimerLocked()
	c.attempts++
	delay := backoffDelay(c.base, c.max, c.attempts)
	notify := c.setStateLocked(StateConnecting)
	c.log.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("scheduling signaling reconnect")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.Connect()
	})
	return notify
}

func (c *Client) clearReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// backoffDelay implements min(base * 2^(attempt-1), max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return max
	}
	delay := base << uint(attempt-1)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// Send transmits a control message, queueing it FIFO while the socket is not
// open. The only error is a structurally invalid message; network conditions
// never surface here.
func (c *Client) Send(msg protocol.Outgoing) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateOpen && c.conn != nil {
		conn := c.conn
		gen := c.gen
		if writeErr := conn.WriteMessage(frame); writeErr != nil {
			// Keep the frame queued so FIFO order holds across the reconnect.
			c.queue = append(c.queue, frame)
			c.mu.Unlock()
			c.handleClose(gen, writeErr)
			return nil
		}
		c.mu.Unlock()
		return nil
	}

	c.queue = append(c.queue, frame)
	permanentlyClosed := !c.shouldReconnect && c.state == StateClosed
	c.mu.Unlock()

	if !permanentlyClosed {
		c.Connect()
	}
	return nil
}

// Subscribe registers a handler for one event name. Handlers registered for
// the same event fire in registration order. The returned function removes
// the handler.
func (c *Client) Subscribe(event protocol.EventName, handler Handler) func() {
	sub := &subscription{handler: handler}
	c.mu.Lock()
	c.subs[event] = append(c.subs[event], sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[event]
		for i, s := range list {
			if s == sub {
				c.subs[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(c.subs[event]) == 0 {
			delete(c.subs, event)
		}
	}
}

// OnStatusChange registers a state observer and immediately replays the
// current state so subscribers never miss it.
func (c *Client) OnStatusChange(handler StatusHandler) func() {
	sub := &statusSubscription{handler: handler}
	c.mu.Lock()
	c.statusSubs = append(c.statusSubs, sub)
	state := c.state
	c.mu.Unlock()

	handler(state)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.statusSubs {
			if s == sub {
				c.statusSubs = append(c.statusSubs[:i:i], c.statusSubs[i+1:]...)
				break
			}
		}
	}
}

// Status returns the current connection state.
func (c *Client) Status() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnect shuts the channel down intentionally: auto-reconnect is
// disabled, the socket closes, and the state stays closed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.clearReconnectTimerLocked()
	c.gen++
	conn := c.conn
	c.conn = nil
	c.dialing = false
	notify := c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	notify()
}

// setStateLocked updates the state and returns a function that notifies
// status subscribers once the caller has released the mutex.
func (c *Client) setStateLocked(state ConnectionState) func() {
	if c.state == state {
		return func() {}
	}
	c.state = state
	subs := append([]*statusSubscription(nil), c.statusSubs...)
	return func() {
		for _, sub := range subs {
			sub.handler(state)
		}
	}
}
