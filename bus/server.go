package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	bub "github.com/bublab/bub"
)

const (
	serverName    = "bub-bus"
	serverVersion = "0.3.0"

	// defaultWriteQueue bounds each connection's outgoing notification
	// queue. Overflow drops the oldest undelivered notification so a
	// sluggish client never blocks routing for everyone else.
	defaultWriteQueue = 256
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets a structured logger for the server.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithWriteQueueSize overrides the per-connection write queue bound.
func WithWriteQueueSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithServerTracer sets a tracer; spans wrap each routed publish.
func WithServerTracer(t bub.Tracer) ServerOption {
	return func(s *Server) { s.tracer = t }
}

// WithServerMetrics records delivery and drop counts on m.
func WithServerMetrics(m bub.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// Server is the bus broker: it owns the connection registry and the
// subscription table, and routes sendMessage/publish traffic to every
// subscriber whose pattern matches the target topic.
type Server struct {
	logger    *slog.Logger
	tracer    bub.Tracer
	metrics   bub.Metrics
	queueSize int

	mu     sync.Mutex
	conns  map[int64]*serverConn // by connection id
	byName map[string]*serverConn
	nextID atomic.Int64
}

// serverConn is the server-side record for one live transport.
type serverConn struct {
	id        int64
	transport Transport

	mu          sync.Mutex
	clientID    string // set exactly once by initialize
	subs        map[string]string // pattern → subscription id
	writeQ      []queuedFrame     // bounded; oldest dropped on overflow
	writeSignal chan struct{}     // capacity 1, kicked on enqueue
	closed      bool
}

type queuedFrame struct {
	frame []byte
	topic string // for drop logging; empty for RPC responses
}

// NewServer creates a bus server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:    bub.NopLogger(),
		queueSize: defaultWriteQueue,
		conns:     make(map[int64]*serverConn),
		byName:    make(map[string]*serverConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts transports from l and handles each on its own
// goroutine. Blocks until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context, l Listener) error {
	s.logger.Info("bus server listening", "addr", l.Addr().String())
	for {
		t, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConn(ctx, t)
	}
}

// handleConn drives one connection: a writer goroutine drains the
// bounded queue while this goroutine reads and dispatches frames.
func (s *Server) handleConn(ctx context.Context, t Transport) {
	c := &serverConn{
		id:          s.nextID.Add(1),
		transport:   t,
		subs:        make(map[string]string),
		writeSignal: make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.writePump(ctx, c)

	for {
		frame, err := t.ReadFrame(ctx)
		if err != nil {
			s.dropConn(ctx, c)
			return
		}
		s.handleFrame(ctx, c, frame)
	}
}

// writePump drains a connection's queue in order. It is the only
// writer for the transport, so responses and deliveries never interleave
// mid-frame.
func (s *Server) writePump(ctx context.Context, c *serverConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.writeSignal:
		}
		for {
			c.mu.Lock()
			if len(c.writeQ) == 0 || c.closed {
				c.mu.Unlock()
				break
			}
			qf := c.writeQ[0]
			c.writeQ = c.writeQ[1:]
			c.mu.Unlock()

			if err := c.transport.WriteFrame(ctx, qf.frame); err != nil {
				s.dropConn(ctx, c)
				return
			}
		}
	}
}

// enqueue appends a frame to the connection's bounded write queue,
// dropping the oldest entry on overflow.
func (s *Server) enqueue(c *serverConn, frame []byte, topic string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.writeQ) >= s.queueSize {
		dropped := c.writeQ[0]
		c.writeQ = c.writeQ[1:]
		c.mu.Unlock()
		s.logger.Warn("delivery_dropped",
			"connection", c.id,
			"client", c.clientID,
			"topic", dropped.topic,
			"queue", s.queueSize)
		if s.metrics != nil {
			s.metrics.BusDropped(context.Background(), dropped.topic)
		}
		c.mu.Lock()
	}
	c.writeQ = append(c.writeQ, queuedFrame{frame: frame, topic: topic})
	c.mu.Unlock()

	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

// dropConn removes a connection, forgets its subscriptions, and
// announces the disconnect on the system topic.
func (s *Server) dropConn(ctx context.Context, c *serverConn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	clientID := c.clientID
	c.mu.Unlock()

	c.transport.Close()

	s.mu.Lock()
	delete(s.conns, c.id)
	if clientID != "" && s.byName[clientID] == c {
		delete(s.byName, clientID)
	}
	s.mu.Unlock()

	s.logger.Info("connection closed", "connection", c.id, "client", clientID)
	if clientID != "" {
		env, err := NewEnvelope(TypeDisconnect, "system", AgentEvent{Name: "disconnect", ClientID: clientID})
		if err == nil {
			s.Publish(ctx, "system:disconnect", env)
		}
	}
}

// handleFrame decodes one inbound frame and dispatches the method.
// Malformed JSON-RPC gets an error response; the connection stays open.
func (s *Server) handleFrame(ctx context.Context, c *serverConn, frame []byte) {
	var req request
	if err := json.Unmarshal(frame, &req); err != nil {
		s.respondError(c, nil, errCodeParse, "parse error")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.respondError(c, req.ID, errCodeInvalidRequest, "invalid request")
		return
	}

	// initialize must precede everything else on a connection.
	if req.Method != methodInitialize && !c.initialized() {
		s.respondError(c, req.ID, errCodeNotInitialized, bub.TagNotInitialized)
		return
	}

	switch req.Method {
	case methodInitialize:
		s.handleInitialize(c, &req)
	case methodSubscribe:
		s.handleSubscribe(c, &req)
	case methodUnsubscribe:
		s.handleUnsubscribe(c, &req)
	case methodSendMessage:
		s.handleSendMessage(ctx, c, &req)
	case methodPing:
		s.respond(c, req.ID, pingResult{TS: bub.NowISO()})
	default:
		if req.isNotification() {
			return
		}
		s.respondError(c, req.ID, errCodeMethodNotFound, bub.TagUnknownMethod+": "+req.Method)
	}
}

func (c *serverConn) initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID != ""
}

func (s *Server) handleInitialize(c *serverConn, req *request) {
	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ClientID == "" {
		s.respondError(c, req.ID, errCodeInvalidParams, "initialize: clientId required")
		return
	}

	c.mu.Lock()
	already := c.clientID != ""
	c.mu.Unlock()
	if already {
		s.respondError(c, req.ID, errCodeAlreadyInitialized, "already_initialized")
		return
	}

	s.mu.Lock()
	if live, ok := s.byName[params.ClientID]; ok && live != c {
		s.mu.Unlock()
		s.respondError(c, req.ID, errCodeClientInUse, "client_in_use: "+params.ClientID)
		return
	}
	s.byName[params.ClientID] = c
	s.mu.Unlock()

	c.mu.Lock()
	c.clientID = params.ClientID
	c.mu.Unlock()

	s.logger.Info("client initialized", "connection", c.id, "client", params.ClientID)
	s.respond(c, req.ID, initializeResult{
		ServerInfo:   serverInfo{Name: serverName, Version: serverVersion},
		Capabilities: []string{"subscribe", "sendMessage", "ping"},
	})
}

func (s *Server) handleSubscribe(c *serverConn, req *request) {
	var params subscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Pattern == "" {
		s.respondError(c, req.ID, errCodeInvalidParams, "subscribe: pattern required")
		return
	}

	c.mu.Lock()
	// Idempotent per (client, pattern): re-subscribing returns the
	// existing subscription id.
	id, ok := c.subs[params.Pattern]
	if !ok {
		id = bub.NewID()
		c.subs[params.Pattern] = id
	}
	c.mu.Unlock()

	s.logger.Debug("subscribed", "client", c.clientID, "pattern", params.Pattern)
	s.respond(c, req.ID, subscribeResult{SubscriptionID: id})
}

func (s *Server) handleUnsubscribe(c *serverConn, req *request) {
	var params unsubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Pattern == "" {
		s.respondError(c, req.ID, errCodeInvalidParams, "unsubscribe: pattern required")
		return
	}

	c.mu.Lock()
	delete(c.subs, params.Pattern)
	c.mu.Unlock()

	s.respond(c, req.ID, struct{}{})
}

func (s *Server) handleSendMessage(ctx context.Context, c *serverConn, req *request) {
	var params sendMessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.To == "" {
		s.respondError(c, req.ID, errCodeInvalidParams, "sendMessage: to required")
		return
	}

	delivered := s.route(ctx, params.To, params.Payload, c.clientID)
	s.respond(c, req.ID, sendMessageResult{Delivered: delivered})
}

// Publish routes a server-originated message (system events). Same
// routing as sendMessage with from = "system".
func (s *Server) Publish(ctx context.Context, topic string, env Envelope) int {
	raw, err := json.Marshal(env)
	if err != nil {
		return 0
	}
	return s.route(ctx, topic, raw, "system")
}

// route enumerates matching subscriptions and enqueues one
// deliverMessage notification per recipient. Zero recipients is a
// successful outcome: the count simply comes back 0.
func (s *Server) route(ctx context.Context, topic string, payload json.RawMessage, from string) int {
	if s.tracer != nil {
		var span bub.Span
		ctx, span = s.tracer.Start(ctx, "bus.route", bub.StringAttr("topic", topic))
		defer span.End()
	}

	params := deliverParams{
		Topic:     topic,
		Payload:   payload,
		MessageID: bub.NewID(),
		From:      from,
	}
	frame, err := encodeRequest(0, methodDeliver, params)
	if err != nil {
		s.logger.Error("encode delivery", "topic", topic, "error", err)
		return 0
	}

	// Snapshot recipients under the table lock, deliver outside it.
	s.mu.Lock()
	recipients := make([]*serverConn, 0, 4)
	for _, c := range s.conns {
		c.mu.Lock()
		for pattern := range c.subs {
			if MatchTopic(pattern, topic) {
				recipients = append(recipients, c)
				break
			}
		}
		c.mu.Unlock()
	}
	s.mu.Unlock()

	for _, c := range recipients {
		s.enqueue(c, frame, topic)
	}
	if s.metrics != nil {
		s.metrics.BusDelivered(ctx, topic, len(recipients))
	}
	if len(recipients) > 0 {
		s.logger.Debug("routed", "topic", topic, "recipients", len(recipients))
	}
	return len(recipients)
}

func (s *Server) respond(c *serverConn, id json.RawMessage, result any) {
	frame, err := encodeResponse(id, result)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		return
	}
	s.enqueue(c, frame, "")
}

func (s *Server) respondError(c *serverConn, id json.RawMessage, code int, message string) {
	frame, err := encodeError(id, code, message, nil)
	if err != nil {
		s.logger.Error("encode error response", "error", err)
		return
	}
	s.enqueue(c, frame, "")
}

// ConnCount reports the number of live connections (for tests and the
// supervisor's shutdown report).
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
