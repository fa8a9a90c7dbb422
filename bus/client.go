package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	bub "github.com/bublab/bub"
)

// Client states.
const (
	stateDisconnected = "disconnected"
	stateReady        = "ready"
	stateReconnecting = "reconnecting"
)

// Reconnect backoff: 0.25s initial, doubling to a 5s cap, ±20% jitter.
const (
	reconnectInitial = 250 * time.Millisecond
	reconnectCap     = 5 * time.Second
	reconnectJitter  = 0.2
)

// defaultRequestTimeout bounds each RPC round trip.
const defaultRequestTimeout = 30 * time.Second

// defaultSendQueue bounds messages queued while reconnecting.
const defaultSendQueue = 64

// defaultKeepalive is the idle ping cadence on a ready connection.
const defaultKeepalive = 20 * time.Second

// ErrCancelled is returned for requests in flight when the client
// disconnects.
var ErrCancelled = errors.New("cancelled")

// Handler receives one delivered message.
type Handler func(topic string, env Envelope)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReconnect enables automatic reconnection with exponential backoff.
// On each successful reconnect the client re-initializes with the same
// client id and re-subscribes every locally registered pattern before
// resuming user traffic.
func WithReconnect() ClientOption {
	return func(c *Client) { c.reconnect = true }
}

// WithClientLogger sets a structured logger for the client.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithRequestTimeout overrides the per-request timeout (default 30s).
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithKeepaliveInterval overrides the idle ping cadence (default 20s).
func WithKeepaliveInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.keepalive = d
		}
	}
}

// WithSendQueueSize overrides the reconnect send-queue bound.
func WithSendQueueSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.sendQueueSize = n
		}
	}
}

// localSub is a locally registered handler keyed by pattern.
// Dispatch order among handlers is registration order.
type localSub struct {
	pattern string
	handler Handler
}

// pendingSend is a sendMessage queued while the client reconnects.
type pendingSend struct {
	to      string
	payload json.RawMessage
	done    chan sendOutcome
}

type sendOutcome struct {
	delivered int
	err       error
}

// Client is the typed façade agent processes use to talk to the bus.
type Client struct {
	addr           string
	logger         *slog.Logger
	reconnect      bool
	requestTimeout time.Duration
	sendQueueSize  int
	keepalive      time.Duration

	mu           sync.Mutex
	state        string
	transport    Transport
	clientID     string
	info         json.RawMessage
	subs         []localSub
	pending      map[int64]chan *response
	sendQ        []pendingSend
	readerGen    int  // invalidates stale read loops after reconnect
	reconnecting bool // at most one reconnectLoop at a time

	nextID atomic.Int64
	closed chan struct{}
	once   sync.Once
}

// NewClient creates a client for the bus at addr (host:port).
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		addr:           addr,
		logger:         bub.NopLogger(),
		requestTimeout: defaultRequestTimeout,
		sendQueueSize:  defaultSendQueue,
		keepalive:      defaultKeepalive,
		state:          stateDisconnected,
		pending:        make(map[int64]chan *response),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the transport and starts the reader. Initialize must
// follow before any other method.
func (c *Client) Connect(ctx context.Context) error {
	t, err := Dial(ctx, c.addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.transport = t
	c.readerGen++
	gen := c.readerGen
	c.mu.Unlock()

	go c.readLoop(t, gen)
	return nil
}

// Initialize binds the client id to the connection and moves the
// client to the ready state.
func (c *Client) Initialize(ctx context.Context, clientID string, info json.RawMessage) error {
	c.mu.Lock()
	c.clientID = clientID
	c.info = info
	c.mu.Unlock()

	var res initializeResult
	if err := c.call(ctx, methodInitialize, initializeParams{ClientID: clientID, ClientInfo: info}, &res); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = stateReady
	t := c.transport
	gen := c.readerGen
	c.mu.Unlock()
	if t != nil {
		go c.keepaliveLoop(t, gen)
	}
	c.logger.Info("bus client ready", "client", clientID, "server", res.ServerInfo.Name)
	return nil
}

// Subscribe registers handler locally under pattern, then subscribes on
// the server. Handlers fire for every delivered topic their pattern
// matches, in registration order.
func (c *Client) Subscribe(ctx context.Context, pattern string, handler Handler) error {
	c.mu.Lock()
	c.subs = append(c.subs, localSub{pattern: pattern, handler: handler})
	c.mu.Unlock()

	var res subscribeResult
	return c.call(ctx, methodSubscribe, subscribeParams{Pattern: pattern}, &res)
}

// Unsubscribe removes one local subscription by pattern and tells the
// server.
func (c *Client) Unsubscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	for i, s := range c.subs {
		if s.pattern == pattern {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	var res struct{}
	return c.call(ctx, methodUnsubscribe, unsubscribeParams{Pattern: pattern}, &res)
}

// SendMessage routes payload to every subscriber matching to and
// returns the recipient count. While the client is reconnecting the
// message is queued up to a fixed bound; overflow fails fast with
// backpressure.
func (c *Client) SendMessage(ctx context.Context, to string, env Envelope) (int, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.state == stateReconnecting {
		if len(c.sendQ) >= c.sendQueueSize {
			queued := len(c.sendQ)
			c.mu.Unlock()
			return 0, &bub.ErrBackpressure{Queued: queued}
		}
		ps := pendingSend{to: to, payload: payload, done: make(chan sendOutcome, 1)}
		c.sendQ = append(c.sendQ, ps)
		c.mu.Unlock()

		select {
		case out := <-ps.done:
			return out.delivered, out.err
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.closed:
			return 0, ErrCancelled
		}
	}
	c.mu.Unlock()

	var res sendMessageResult
	if err := c.call(ctx, methodSendMessage, sendMessageParams{To: to, Payload: payload}, &res); err != nil {
		return 0, err
	}
	return res.Delivered, nil
}

// Ping checks liveness and returns the server timestamp.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var res pingResult
	if err := c.call(ctx, methodPing, struct{}{}, &res); err != nil {
		return "", err
	}
	return res.TS, nil
}

// Disconnect closes the transport. Outstanding requests fail with
// cancelled. A disconnected client does not reconnect.
func (c *Client) Disconnect() error {
	c.once.Do(func() { close(c.closed) })

	c.mu.Lock()
	t := c.transport
	c.state = stateDisconnected
	c.failPendingLocked()
	c.mu.Unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

// --- conventional topic helpers ---

// PublishInbound publishes msg on the conventional inbound topic for
// its chat.
func (c *Client) PublishInbound(ctx context.Context, msg bub.InboundMessage) (int, error) {
	env, err := NewEnvelope(TypeMessage, c.fromTopic(), msg)
	if err != nil {
		return 0, err
	}
	return c.SendMessage(ctx, "inbound:"+msg.ChatID, env)
}

// PublishOutbound publishes msg on the conventional outbound topic for
// its chat.
func (c *Client) PublishOutbound(ctx context.Context, msg bub.OutboundMessage) (int, error) {
	env, err := NewEnvelope(TypeReply, c.fromTopic(), msg)
	if err != nil {
		return 0, err
	}
	return c.SendMessage(ctx, "outbound:"+msg.ChatID, env)
}

// OnInbound subscribes to all inbound traffic and unwraps the message
// payload for the handler.
func (c *Client) OnInbound(ctx context.Context, handler func(bub.InboundMessage)) error {
	return c.Subscribe(ctx, "inbound:*", func(topic string, env Envelope) {
		msg, err := env.DecodeInbound()
		if err != nil {
			c.logger.Warn("malformed inbound payload", "topic", topic, "error", err)
			return
		}
		handler(msg)
	})
}

// OnOutbound subscribes to all outbound traffic and unwraps the
// message payload for the handler.
func (c *Client) OnOutbound(ctx context.Context, handler func(bub.OutboundMessage)) error {
	return c.Subscribe(ctx, "outbound:*", func(topic string, env Envelope) {
		msg, err := env.DecodeOutbound()
		if err != nil {
			c.logger.Warn("malformed outbound payload", "topic", topic, "error", err)
			return
		}
		handler(msg)
	})
}

func (c *Client) fromTopic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// --- request/response plumbing ---

// call sends one request and blocks for its correlated response or the
// per-request timeout.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)
	frame, err := encodeRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *response, 1)
	c.mu.Lock()
	t := c.transport
	c.pending[id] = ch
	c.mu.Unlock()
	if t == nil {
		c.forgetPending(id)
		return ErrTransportClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := t.WriteFrame(ctx, frame); err != nil {
		c.forgetPending(id)
		return err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return ErrCancelled
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.forgetPending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &bub.ErrTimeout{Stage: "bus"}
		}
		return ctx.Err()
	case <-c.closed:
		c.forgetPending(id)
		return ErrCancelled
	}
}

func (c *Client) forgetPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPendingLocked resolves every in-flight request as cancelled.
// Caller holds c.mu.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
}

// readLoop drains inbound frames for one transport generation, routing
// responses by id and notifications to matching handlers.
func (c *Client) readLoop(t Transport, gen int) {
	ctx := context.Background()
	for {
		frame, err := t.ReadFrame(ctx)
		if err != nil {
			c.onTransportLost(gen)
			return
		}

		// A frame with a method is a notification; otherwise a response.
		var head struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			c.logger.Warn("malformed frame from server", "error", err)
			continue
		}

		if head.Method == methodDeliver {
			c.dispatchDelivery(frame)
			continue
		}
		if len(head.ID) > 0 {
			var resp response
			if err := json.Unmarshal(frame, &resp); err != nil {
				continue
			}
			var id int64
			if err := json.Unmarshal(resp.ID, &id); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[id]
			delete(c.pending, id)
			c.mu.Unlock()
			if ok {
				ch <- &resp
			}
		}
	}
}

// dispatchDelivery unwraps a deliverMessage notification and invokes
// every local handler whose pattern matches the topic.
func (c *Client) dispatchDelivery(frame []byte) {
	var note struct {
		Params deliverParams `json:"params"`
	}
	if err := json.Unmarshal(frame, &note); err != nil {
		c.logger.Warn("malformed delivery", "error", err)
		return
	}

	var env Envelope
	if err := json.Unmarshal(note.Params.Payload, &env); err != nil {
		// Payloads that are not envelopes still reach handlers raw.
		env = Envelope{MessageID: note.Params.MessageID, From: note.Params.From, Content: note.Params.Payload}
	}

	c.mu.Lock()
	matched := make([]Handler, 0, 2)
	for _, s := range c.subs {
		if MatchTopic(s.pattern, note.Params.Topic) {
			matched = append(matched, s.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		h(note.Params.Topic, env)
	}
}

// onTransportLost moves the client to reconnecting (when enabled) or
// disconnected, then drives the backoff loop.
func (c *Client) onTransportLost(gen int) {
	select {
	case <-c.closed:
		return
	default:
	}

	c.mu.Lock()
	if gen != c.readerGen {
		// A newer transport already took over.
		c.mu.Unlock()
		return
	}
	c.failPendingLocked()
	if !c.reconnect {
		c.state = stateDisconnected
		c.transport = nil
		c.mu.Unlock()
		return
	}
	c.state = stateReconnecting
	c.transport = nil
	if c.reconnecting {
		// A reconnectLoop is already driving the backoff; a transport it
		// opened and abandoned mid-restore must not spawn another.
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.logger.Warn("bus transport lost, reconnecting", "client", c.clientID)
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with exponential backoff, then
// replays initialize and every local subscription before flushing
// queued sends.
func (c *Client) reconnectLoop() {
	delay := reconnectInitial
	for {
		select {
		case <-c.closed:
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		case <-time.After(jitter(delay)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		err := c.restore(ctx)
		cancel()
		if err == nil {
			c.flushSendQueue()
			c.logger.Info("bus client reconnected", "client", c.clientID)
			return
		}

		c.logger.Debug("reconnect attempt failed", "client", c.clientID, "error", err, "next_delay", delay)
		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
	}
}

// restore dials, re-initializes with the original client id, and
// re-subscribes all locally registered patterns.
func (c *Client) restore(ctx context.Context) error {
	t, err := Dial(ctx, c.addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.transport = t
	c.readerGen++
	gen := c.readerGen
	clientID := c.clientID
	info := c.info
	patterns := make([]string, len(c.subs))
	for i, s := range c.subs {
		patterns[i] = s.pattern
	}
	c.mu.Unlock()

	go c.readLoop(t, gen)

	var initRes initializeResult
	if err := c.call(ctx, methodInitialize, initializeParams{ClientID: clientID, ClientInfo: info}, &initRes); err != nil {
		c.abandonTransport(t)
		return err
	}
	for _, p := range patterns {
		var res subscribeResult
		if err := c.call(ctx, methodSubscribe, subscribeParams{Pattern: p}, &res); err != nil {
			c.abandonTransport(t)
			return err
		}
	}

	// Clearing the guard under the same lock that flips the state means
	// a loss of this transport immediately re-arms reconnection.
	c.mu.Lock()
	c.state = stateReady
	c.reconnecting = false
	c.mu.Unlock()
	go c.keepaliveLoop(t, gen)
	return nil
}

// keepaliveLoop pings the server on an idle cadence while t is the
// live transport. A failed ping closes the transport, which trips the
// read loop and hands recovery to the reconnect path.
func (c *Client) keepaliveLoop(t Transport, gen int) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		live := c.readerGen == gen && c.state == stateReady
		c.mu.Unlock()
		if !live {
			return
		}
		if _, err := c.Ping(context.Background()); err != nil {
			c.logger.Warn("keepalive ping failed", "client", c.clientID, "error", err)
			t.Close()
			return
		}
	}
}

// abandonTransport invalidates t's read loop before closing it, so the
// exit path of a half-restored transport stays silent.
func (c *Client) abandonTransport(t Transport) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
		c.readerGen++
	}
	c.mu.Unlock()
	t.Close()
}

// flushSendQueue replays messages queued during reconnection, resolving
// each waiting caller.
func (c *Client) flushSendQueue() {
	c.mu.Lock()
	queued := c.sendQ
	c.sendQ = nil
	c.mu.Unlock()

	for _, ps := range queued {
		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		var res sendMessageResult
		err := c.call(ctx, methodSendMessage, sendMessageParams{To: ps.to, Payload: ps.payload}, &res)
		cancel()
		ps.done <- sendOutcome{delivered: res.Delivered, err: err}
	}
}

// jitter applies ±20% uniform jitter to d.
func jitter(d time.Duration) time.Duration {
	f := 1 + reconnectJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// State reports the connection state (for tests and diagnostics).
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
