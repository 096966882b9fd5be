// Package client implements a relay client: a persistent websocket with
// automatic reconnection, acknowledged publishes, live subscriptions that
// survive reconnects and set reconciliation against the relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tidemark-net/tidemark/types"
)

// State is the connection state.
type State int

const (
	// Disconnected means no socket is open and no dial is in flight.
	Disconnected State = iota
	// Connecting means a dial or backoff wait is in flight.
	Connecting
	// Connected means the socket is open and frames flow.
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// ErrNotConnected is returned by operations needing a live socket while the
// client is between connections.
var ErrNotConnected = errors.New("client: not connected")

// ErrAckTimeout is returned when the relay does not acknowledge a publish
// within the ack timeout.
var ErrAckTimeout = errors.New("client: acknowledgment timed out")

// PublishError is returned when the relay explicitly refuses an event.
type PublishError struct {
	Reason string
}

func (e *PublishError) Error() string {
	return "client: event refused: " + e.Reason
}

const defaultAckTimeout = 10 * time.Second

// Client talks to one relay.
type Client struct {
	logger     *zap.Logger
	url        string
	dialer     *websocket.Dialer
	clock      clockwork.Clock
	ackTimeout time.Duration

	mu           sync.Mutex
	ws           *websocket.Conn
	state        State
	subs         map[string]*Subscription
	pendingOK    map[types.ID]chan *types.OKMessage
	pendingCount map[string]chan types.CountResult
	negSessions  map[string]*negSession
}

type negSession struct {
	inbox chan []byte
	errs  chan string
}

// Opt configures a Client.
type Opt func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(c *Client) { c.logger = logger }
}

// WithClock substitutes the clock used for backoff waits and ack timeouts.
func WithClock(clock clockwork.Clock) Opt {
	return func(c *Client) { c.clock = clock }
}

// WithAckTimeout overrides how long Publish waits for an acknowledgment.
func WithAckTimeout(d time.Duration) Opt {
	return func(c *Client) { c.ackTimeout = d }
}

// New creates a client for the relay at url. Nothing is dialed until Run.
func New(url string, opts ...Opt) *Client {
	c := &Client{
		logger:       zap.NewNop(),
		url:          url,
		dialer:       websocket.DefaultDialer,
		clock:        clockwork.NewRealClock(),
		ackTimeout:   defaultAckTimeout,
		subs:         make(map[string]*Subscription),
		pendingOK:    make(map[types.ID]chan *types.OKMessage),
		pendingCount: make(map[string]chan types.CountResult),
		negSessions:  make(map[string]*negSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run dials the relay and keeps the connection alive until ctx is canceled,
// reconnecting with exponential backoff and re-issuing live subscriptions
// after every reconnect.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		c.setState(Connecting)
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(Disconnected)
				return ctx.Err()
			}
			attempt++
			wait := Backoff(attempt)
			c.logger.Warn("dial failed",
				zap.String("url", c.url),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				c.setState(Disconnected)
				return ctx.Err()
			case <-c.clock.After(wait):
			}
			continue
		}
		attempt = 0
		c.attach(ws)
		c.logger.Info("connected", zap.String("url", c.url))
		// the read loop only unblocks when the socket dies, so context
		// cancellation has to close it from the side
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				ws.Close()
			case <-stop:
			}
		}()
		err = c.readLoop(ctx, ws)
		close(stop)
		c.detach(ws)
		c.logger.Info("disconnected", zap.Error(err))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return ctx.Err()
		case <-c.clock.After(Backoff(attempt)):
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// attach installs a fresh socket and replays every live subscription.
func (c *Client) attach(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
	c.state = Connected
	for subID, sub := range c.subs {
		if err := c.writeLocked(types.ReqFrame(subID, sub.Filters)); err != nil {
			return
		}
	}
}

// detach clears the socket and fails every operation waiting on it.
// Subscriptions survive; they are replayed on the next attach.
func (c *Client) detach(ws *websocket.Conn) {
	ws.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == ws {
		c.ws = nil
		c.state = Disconnected
	}
	for id, ch := range c.pendingOK {
		close(ch)
		delete(c.pendingOK, id)
	}
	for subID, ch := range c.pendingCount {
		close(ch)
		delete(c.pendingCount, subID)
	}
	for subID, sess := range c.negSessions {
		close(sess.inbox)
		delete(c.negSessions, subID)
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// write sends one frame; gorilla permits a single concurrent writer so all
// writes go through the client mutex.
func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(frame)
}

func (c *Client) writeLocked(frame []byte) error {
	if c.ws == nil {
		return ErrNotConnected
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (c *Client) handleFrame(data []byte) {
	msg, err := types.ParseRelayMessage(data)
	if err != nil {
		c.logger.Debug("malformed frame from relay", zap.Error(err))
		return
	}
	switch m := msg.(type) {
	case *types.OKMessage:
		c.mu.Lock()
		ch, ok := c.pendingOK[m.ID]
		if ok {
			delete(c.pendingOK, m.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- m
		}
	case *types.EventDeliveryMessage:
		c.mu.Lock()
		sub := c.subs[m.SubscriptionID]
		c.mu.Unlock()
		if sub != nil {
			sub.deliver(&m.Event, c.logger)
		}
	case *types.EOSEMessage:
		c.mu.Lock()
		sub := c.subs[m.SubscriptionID]
		c.mu.Unlock()
		if sub != nil {
			sub.markEOSE()
		}
	case *types.ClosedMessage:
		c.mu.Lock()
		sub := c.subs[m.SubscriptionID]
		delete(c.subs, m.SubscriptionID)
		c.mu.Unlock()
		if sub != nil {
			sub.close(m.Reason)
		}
	case *types.NoticeMessage:
		c.logger.Info("notice from relay", zap.String("message", m.Message))
	case *types.CountResponseMessage:
		c.mu.Lock()
		ch, ok := c.pendingCount[m.SubscriptionID]
		if ok {
			delete(c.pendingCount, m.SubscriptionID)
		}
		c.mu.Unlock()
		if ok {
			ch <- m.Result
		}
	case *types.NegMsgMessage:
		// delivered under the lock so detach cannot close the inbox
		// between lookup and send
		c.mu.Lock()
		if sess := c.negSessions[m.SubscriptionID]; sess != nil {
			select {
			case sess.inbox <- m.Payload:
			default:
				c.logger.Warn("reconcile message overrun", zap.String("sub", m.SubscriptionID))
			}
		}
		c.mu.Unlock()
	case *types.NegErrMessage:
		c.mu.Lock()
		if sess := c.negSessions[m.SubscriptionID]; sess != nil {
			select {
			case sess.errs <- m.Reason:
			default:
			}
		}
		c.mu.Unlock()
	}
}

// Publish sends one event and waits for the relay's acknowledgment. A
// refusal comes back as *PublishError.
func (c *Client) Publish(ctx context.Context, ev *types.Event) error {
	ch := make(chan *types.OKMessage, 1)
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pendingOK[ev.ID] = ch
	err := c.writeLocked(types.EventPublishFrame(ev))
	c.mu.Unlock()
	if err != nil {
		c.forgetOK(ev.ID)
		return err
	}
	select {
	case ok, open := <-ch:
		if !open {
			return ErrNotConnected
		}
		if !ok.Accepted {
			return &PublishError{Reason: ok.Message}
		}
		return nil
	case <-ctx.Done():
		c.forgetOK(ev.ID)
		return ctx.Err()
	case <-c.clock.After(c.ackTimeout):
		c.forgetOK(ev.ID)
		return ErrAckTimeout
	}
}

func (c *Client) forgetOK(id types.ID) {
	c.mu.Lock()
	delete(c.pendingOK, id)
	c.mu.Unlock()
}

// Count asks the relay for the number of stored events matching filters.
func (c *Client) Count(ctx context.Context, filters types.Filters) (int64, error) {
	subID := uuid.New().String()
	ch := make(chan types.CountResult, 1)
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	c.pendingCount[subID] = ch
	err := c.writeLocked(types.CountRequestFrame(subID, filters))
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pendingCount, subID)
		c.mu.Unlock()
		return 0, err
	}
	select {
	case res, open := <-ch:
		if !open {
			return 0, ErrNotConnected
		}
		return res.Count, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingCount, subID)
		c.mu.Unlock()
		return 0, ctx.Err()
	}
}
