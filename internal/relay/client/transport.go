package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spacerelay/internal/event"
	"spacerelay/internal/relay/server"
)

// State is the transport connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateOffline is terminal: reconnect attempts are exhausted and the
	// application has been told so.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// GrantFunc obtains a signed grant for a topic, typically by calling the
// relay's authorization endpoint with the connection id.
type GrantFunc func(ctx context.Context, connID, topicName string) (string, error)

// Delivery is one envelope handed to the application, tagged with the topic
// it arrived on.
type Delivery struct {
	Topic    string
	Envelope *event.Envelope
}

// Options configures a Transport.
type Options struct {
	// URL of the relay websocket endpoint, including the identity token
	// query parameter.
	URL string

	Grant GrantFunc

	// OnDelivery receives every envelope, serialized onto a single
	// goroutine: no two calls run concurrently.
	OnDelivery func(Delivery)

	// OnState observes connection state transitions.
	OnState func(State)

	InitialWait time.Duration
	MaxWait     time.Duration
	MaxAttempts uint64

	Logger *zap.Logger
}

// Transport is the long-lived multiplexed connection between a client
// process and the relay. One physical connection carries every logical
// topic subscription; the desired-subscription set is declarative and is
// replayed in full after every (re)connect.
type Transport struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	desired map[string]bool
	conn    *websocket.Conn
	connID  string
	state   State

	writeMu sync.Mutex

	deliveries chan Delivery
	done       chan struct{}
}

var ErrOffline = errors.New("transport offline: reconnect attempts exhausted")

func New(opts Options) *Transport {
	if opts.InitialWait <= 0 {
		opts.InitialWait = 500 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Transport{
		opts:       opts,
		log:        opts.Logger,
		desired:    make(map[string]bool),
		state:      StateDisconnected,
		deliveries: make(chan Delivery, 256),
		done:       make(chan struct{}),
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ConnectionID returns the id assigned by the relay on the current
// connection, or "" when not connected.
func (t *Transport) ConnectionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connID
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	t.log.Info("transport state changed", zap.String("state", s.String()))
	if t.opts.OnState != nil {
		t.opts.OnState(s)
	}
}

// Run connects and serves until ctx is cancelled or reconnection is
// exhausted. It returns ErrOffline on exhaustion, nil on cancellation.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.done)
	go t.dispatchLoop(ctx)

	for {
		t.setState(StateConnecting)
		conn, connID, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.setState(StateDisconnected)
				return nil
			}
			t.setState(StateOffline)
			return ErrOffline
		}

		t.mu.Lock()
		t.conn = conn
		t.connID = connID
		t.mu.Unlock()
		t.setState(StateConnected)

		t.resubscribeAll(ctx)
		t.readLoop(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.connID = ""
		t.mu.Unlock()

		if ctx.Err() != nil {
			t.setState(StateDisconnected)
			return nil
		}
		t.setState(StateDisconnected)
		t.log.Warn("connection lost, reconnecting")
	}
}

// dial attempts the websocket handshake under bounded exponential backoff.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.opts.InitialWait
	policy.MaxInterval = t.opts.MaxWait

	var conn *websocket.Conn
	var connID string

	operation := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, t.opts.URL, nil)
		if err != nil {
			t.log.Warn("dial failed", zap.Error(err))
			return err
		}
		conn = c
		connID = resp.Header.Get("X-Connection-Id")
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, t.opts.MaxAttempts), ctx))
	if err != nil {
		return nil, "", err
	}
	return conn, connID, nil
}

// Subscribe adds a topic to the desired set. It never blocks on the
// network: when connected, grant acquisition and the subscribe frame happen
// asynchronously, and failures degrade to "topic unavailable" rather than
// surfacing to the caller.
func (t *Transport) Subscribe(ctx context.Context, topicName string) {
	t.mu.Lock()
	t.desired[topicName] = true
	connected := t.state == StateConnected
	connID := t.connID
	t.mu.Unlock()

	if connected {
		go t.sendSubscribe(ctx, connID, topicName)
	}
}

// Unsubscribe removes a topic from the desired set, effective immediately
// for future envelopes. Envelopes already in flight may still arrive and
// are dropped silently by the dispatch loop.
func (t *Transport) Unsubscribe(topicName string) {
	t.mu.Lock()
	delete(t.desired, topicName)
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		if err := t.writeFrame(conn, &server.ClientFrame{Type: server.FrameUnsubscribe, Topic: topicName}); err != nil {
			t.log.Warn("unsubscribe frame failed", zap.String("topic", topicName), zap.Error(err))
			return
		}
	}
	t.log.Info("unsubscribed", zap.String("topic", topicName))
}

// Publish sends an envelope to the relay over the current connection.
func (t *Transport) Publish(env *event.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	return t.writeFrame(conn, &server.ClientFrame{Type: server.FramePublish, Envelope: env})
}

// resubscribeAll replays the whole desired set. Subscription is idempotent
// on the hub side, so replaying after reconnect is always safe.
func (t *Transport) resubscribeAll(ctx context.Context) {
	t.mu.Lock()
	topics := make([]string, 0, len(t.desired))
	for name := range t.desired {
		topics = append(topics, name)
	}
	connID := t.connID
	t.mu.Unlock()

	for _, name := range topics {
		t.sendSubscribe(ctx, connID, name)
	}
}

func (t *Transport) sendSubscribe(ctx context.Context, connID, topicName string) {
	grant, err := t.opts.Grant(ctx, connID, topicName)
	if err != nil {
		// Terminal for this topic: authorization denials are not retried.
		t.log.Warn("topic unavailable: grant denied",
			zap.String("topic", topicName), zap.Error(err))
		return
	}

	t.mu.Lock()
	conn := t.conn
	stillDesired := t.desired[topicName]
	t.mu.Unlock()
	if conn == nil || !stillDesired {
		return
	}

	if err := t.writeFrame(conn, &server.ClientFrame{
		Type:  server.FrameSubscribe,
		Topic: topicName,
		Grant: grant,
	}); err != nil {
		t.log.Warn("topic unavailable: subscribe frame failed",
			zap.String("topic", topicName), zap.Error(err))
		return
	}
	t.log.Info("subscribe sent", zap.String("topic", topicName))
}

func (t *Transport) writeFrame(conn *websocket.Conn, frame *server.ClientFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop consumes server frames until the connection breaks.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame server.ServerFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			t.log.Error("malformed server frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case server.FrameEnvelope:
			if frame.Envelope == nil {
				continue
			}
			select {
			case t.deliveries <- Delivery{Topic: frame.Topic, Envelope: frame.Envelope}:
			case <-ctx.Done():
				return
			}
		case server.FrameSubscribed:
			t.log.Info("subscription confirmed", zap.String("topic", frame.Topic))
		case server.FrameDenied:
			t.log.Warn("subscription denied", zap.String("topic", frame.Topic))
		case server.FrameUnsubscribed:
			t.log.Debug("unsubscribe confirmed", zap.String("topic", frame.Topic))
		default:
			t.log.Warn("unknown server frame", zap.String("type", frame.Type))
		}
	}
}

// dispatchLoop serializes every delivery onto one goroutine, so application
// state is never mutated concurrently.
func (t *Transport) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case d := <-t.deliveries:
			t.mu.Lock()
			desired := t.desired[d.Topic]
			t.mu.Unlock()
			if !desired {
				// Unsubscribe race: the envelope was in flight when the
				// topic was torn down locally.
				continue
			}
			if t.opts.OnDelivery != nil {
				t.opts.OnDelivery(d)
			}
		}
	}
}

// Close tears the connection down. Run returns after the current read
// fails.
func (t *Transport) Close() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
