package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/4xmen/hamdam/internal/models"
)

// State is the lifecycle of the shared chat connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	DefaultPingInterval = 30 * time.Second

	writeWait    = 10 * time.Second
	maxFrameSize = 65536
)

var ErrNotConnected = errors.New("websocket is not connected")

// Conn is the subset of *websocket.Conn used by the Manager.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a Conn to a websocket URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type gorillaDialer struct {
	dialer *websocket.Dialer
}

func (d gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// Endpoint derives the chat websocket URL from the backend's HTTP base URL.
func Endpoint(baseURL, token string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https"):
		base = "wss" + strings.TrimPrefix(base, "https")
	case strings.HasPrefix(base, "http"):
		base = "ws" + strings.TrimPrefix(base, "http")
	}
	return base + "/ws/chat?" + url.Values{"token": {token}}.Encode()
}

// Manager owns the single chat websocket of the application session.
type Manager struct {
	baseURL      string
	inbound      func(models.Message)
	dialer       Dialer
	policy       ReconnectPolicy
	metrics      *Metrics
	pingInterval time.Duration

	mu       sync.Mutex
	state    State
	token    string
	conn     Conn
	gen      uint64
	closing  bool
	attempts int
	timer    *time.Timer
	cancel   context.CancelFunc
	onState  func(State)

	writeMu sync.Mutex
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithPolicy(p ReconnectPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithPingInterval sets the keepalive interval. Zero disables pings and read deadlines.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) { m.pingInterval = d }
}

// NewManager creates a disconnected Manager. Every inbound message is passed
// to inbound, in the order the socket delivers them.
func NewManager(baseURL string, inbound func(models.Message), opts ...Option) *Manager {
	m := &Manager{
		baseURL:      baseURL,
		inbound:      inbound,
		dialer:       gorillaDialer{dialer: websocket.DefaultDialer},
		policy:       DefaultReconnectPolicy(),
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

// OnStateChange sets the function called after every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Connect opens the connection with token. It is a no-op unless the manager
// is disconnected.
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.token = token
	m.closing = false
	m.attempts = 0
	m.stopTimerLocked()
	ctx, gen := m.beginDialLocked()
	m.mu.Unlock()

	m.notify(StateConnecting)
	go m.dial(ctx, gen, token)
}

// Disconnect closes the connection and suppresses automatic reconnects until
// the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	prev := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = m.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	if prev != StateDisconnected {
		log.Printf("ws: disconnected by client")
		m.notify(StateDisconnected)
	}
}

// SendMessage writes msg as a JSON text frame. Nothing is queued: when the
// socket is not open the message is dropped and ErrNotConnected returned.
func (m *Manager) SendMessage(msg models.OutgoingMessage) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	m.mu.Unlock()

	if !connected {
		m.metrics.sendsDropped.Inc()
		log.Printf("ws: websocket is not connected, dropping message recipient_id=%d", msg.RecipientID)
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := m.write(conn, websocket.TextMessage, data); err != nil {
		m.metrics.sendsDropped.Inc()
		log.Printf("ws: write failed recipient_id=%d error=%v", msg.RecipientID, err)
		conn.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}

	m.metrics.sent.Inc()
	return nil
}

func (m *Manager) beginDialLocked() (context.Context, uint64) {
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = StateConnecting
	return ctx, m.gen
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) dial(ctx context.Context, gen uint64, token string) {
	m.metrics.dials.Inc()
	conn, err := m.dialer.Dial(ctx, Endpoint(m.baseURL, token))

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.state = StateDisconnected
		m.metrics.dialFailures.Inc()
		log.Printf("ws: dial failed error=%v", err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notify(StateDisconnected)
		return
	}

	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	log.Printf("ws: connected")
	m.notify(StateConnected)

	// done is closed once the read pump gives up on conn.
	done := make(chan struct{})
	go m.readPump(gen, conn, done)
	if m.pingInterval > 0 {
		go m.pingPump(gen, conn, done)
	}
}

func (m *Manager) readPump(gen uint64, conn Conn, done chan struct{}) {
	defer func() {
		close(done)
		m.handleClose(gen, conn)
	}()

	if m.pingInterval > 0 {
		pongWait := 2 * m.pingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if m.current(gen) {
				log.Printf("ws: connection lost error=%v", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		m.metrics.framesReceived.Inc()

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.metrics.framesMalformed.Inc()
			log.Printf("ws: dropping malformed frame bytes=%d error=%v", len(data), err)
			continue
		}

		if m.inbound != nil {
			m.inbound(msg)
		}
	}
}

func (m *Manager) pingPump(gen uint64, conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if !m.current(gen) {
			return
		}
		if err := m.write(conn, websocket.PingMessage, nil); err != nil {
			log.Printf("ws: ping failed error=%v", err)
			conn.Close()
			return
		}
	}
}

func (m *Manager) handleClose(gen uint64, conn Conn) {
	conn.Close()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	m.notify(StateDisconnected)
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closing {
		return
	}

	m.attempts++
	if m.policy.Exhausted(m.attempts) {
		log.Printf("ws: giving up after %d reconnect attempts", m.attempts-1)
		return
	}

	delay := m.policy.Backoff(m.attempts)
	gen := m.gen
	log.Printf("ws: reconnecting in %s attempt=%d", delay, m.attempts)
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closing || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.metrics.reconnects.Inc()
	ctx, next := m.beginDialLocked()
	token := m.token
	m.mu.Unlock()

	m.notify(StateConnecting)
	m.dial(ctx, next, token)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) write(conn Conn, messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

func (m *Manager) notify(s State) {
	m.metrics.state.Set(float64(s))

	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}
