// Package socket maintains the websocket link to the tutoring service:
// dialing, message classification, send buffering, and bounded
// reconnection after abnormal drops.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sabaq-lms/sabaq/internal/observability"
	"github.com/sabaq-lms/sabaq/internal/protocol"
	"github.com/sabaq-lms/sabaq/internal/reliability"
)

// State describes the tutor socket lifecycle.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// ErrConnectTimeout reports a handshake that did not finish in time.
var ErrConnectTimeout = errors.New("connect handshake timeout")

// DefaultPath is the tutoring websocket endpoint path.
const DefaultPath = "/api/ws/english-only"

// Handlers receive socket events. OnOpen fires after every successful
// handshake, initial dial and redials alike, before any message is
// delivered. OnClosed fires at most once per connection lifecycle,
// after reconnection is abandoned or on an intentional close.
type Handlers struct {
	OnOpen    func()
	OnMessage func(protocol.ServerMessage)
	OnAudio   func([]byte)
	OnClosed  func(reason error)
}

// Config bounds dialing and reconnection behavior.
type Config struct {
	BaseURL        string
	Path           string
	DialTimeout    time.Duration
	RedialGrace    time.Duration
	SendRetryDelay time.Duration
	ReadyPoll      time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	BackoffGrowth  float64
	MaxDelay       time.Duration
	JitterMax      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.RedialGrace <= 0 {
		c.RedialGrace = 250 * time.Millisecond
	}
	if c.SendRetryDelay <= 0 {
		c.SendRetryDelay = time.Second
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = 50 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.BackoffGrowth <= 1 {
		c.BackoffGrowth = 1.8
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.JitterMax <= 0 {
		c.JitterMax = time.Second
	}
}

// Endpoint derives the websocket URL from the tutor's HTTP base URL.
func Endpoint(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = path
	return u.String(), nil
}

// Manager owns one tutor connection at a time. All exported methods are
// safe for concurrent use.
type Manager struct {
	cfg      Config
	log      zerolog.Logger
	metrics  *observability.Metrics
	handlers Handlers

	writeMu sync.Mutex

	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	attempts       int
	backoff        time.Duration
	intentional    bool
	closedNotified bool
	retryArmed     bool
	reconnectTimer *time.Timer
}

func NewManager(cfg Config, handlers Handlers, log zerolog.Logger, metrics *observability.Metrics) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		log:      log.With().Str("component", "socket").Logger(),
		metrics:  metrics,
		handlers: handlers,
		backoff:  cfg.InitialBackoff,
	}
}

// Connect establishes a fresh tutor connection. An existing connection is
// closed first and a short grace period passes before redialing. A dial
// failure is returned to the caller and also enters the bounded
// reconnection schedule.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if conn := m.conn; conn != nil {
		m.setStateLocked(StateClosing)
		m.conn = nil
		grace := m.cfg.RedialGrace
		m.mu.Unlock()

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "redial"), time.Now().Add(time.Second))
		_ = conn.Close()
		time.Sleep(grace)

		m.mu.Lock()
	}
	m.intentional = false
	m.closedNotified = false
	m.attempts = 0
	m.backoff = m.cfg.InitialBackoff
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	endpoint, err := Endpoint(m.cfg.BaseURL, m.cfg.Path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		retryable := true
		if resp != nil {
			retryable = reliability.IsRetryableHTTPStatus(resp.StatusCode)
			if resp.Body != nil {
				resp.Body.Close()
			}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			err = fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		m.countEvent("dial_error")
		m.log.Warn().Err(err).Str("endpoint", endpoint).Msg("tutor dial failed")

		m.mu.Lock()
		m.setStateLocked(StateClosed)
		var notify func()
		if retryable {
			notify = m.scheduleReconnectLocked(err)
		} else {
			notify = m.notifyClosedLocked(err)
		}
		m.mu.Unlock()
		if notify != nil {
			notify()
		}
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.setStateLocked(StateOpen)
	m.attempts = 0
	m.backoff = m.cfg.InitialBackoff
	m.mu.Unlock()

	m.countEvent("open")
	m.log.Info().Str("endpoint", endpoint).Msg("tutor socket open")
	if h := m.handlers.OnOpen; h != nil {
		h()
	}
	go m.readLoop(conn)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(conn, err)
			return
		}
		switch msgType {
		case websocket.TextMessage:
			m.countMessage("inbound", "text")
			msg, err := protocol.Classify(data)
			if err != nil {
				m.countMessage("inbound", "invalid")
				m.log.Warn().Err(err).Msg("unparseable tutor frame")
				continue
			}
			if msg.Sniffed {
				m.countMessage("inbound", "sniffed")
			}
			if h := m.handlers.OnMessage; h != nil {
				h(msg)
			}
		case websocket.BinaryMessage:
			m.countMessage("inbound", "binary")
			if h := m.handlers.OnAudio; h != nil {
				h(data)
			}
		}
	}
}

func (m *Manager) handleReadError(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(StateClosed)

	if m.intentional {
		notify := m.notifyClosedLocked(nil)
		m.mu.Unlock()
		if notify != nil {
			notify()
		}
		return
	}

	if code := closeCode(err); code > 0 && reliability.IsNormalCloseCode(code) {
		m.log.Info().Int("code", code).Msg("tutor closed the socket")
		notify := m.notifyClosedLocked(nil)
		m.mu.Unlock()
		if notify != nil {
			notify()
		}
		return
	}

	m.countEvent("abnormal_close")
	m.log.Warn().Err(err).Msg("tutor socket dropped")
	notify := m.scheduleReconnectLocked(err)
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func closeCode(err error) int {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return 0
}

// scheduleReconnectLocked arms the next redial or gives up. It returns a
// deferred closed-handler invocation to run after the lock is released,
// or nil when a redial was scheduled.
func (m *Manager) scheduleReconnectLocked(reason error) func() {
	if m.intentional {
		return m.notifyClosedLocked(nil)
	}
	if m.attempts >= m.cfg.MaxAttempts {
		m.countEvent("reconnect_exhausted")
		m.log.Error().Int("attempts", m.attempts).Msg("reconnection abandoned")
		return m.notifyClosedLocked(reason)
	}

	m.attempts++
	delay := reliability.JitterDelay(m.backoff, m.cfg.JitterMax, m.cfg.MaxDelay)
	m.backoff = reliability.GrowBackoff(m.backoff, m.cfg.BackoffGrowth, m.cfg.MaxDelay)
	m.setStateLocked(StateConnecting)
	if m.metrics != nil {
		m.metrics.ReconnectAttempts.Inc()
	}
	m.log.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("reconnect scheduled")
	m.reconnectTimer = time.AfterFunc(delay, m.redial)
	return nil
}

func (m *Manager) redial() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.intentional {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	// dial schedules the next attempt itself on failure.
	_ = m.dial(ctx)
}

// Send marshals v and writes it as a text frame. While the socket is
// connecting it reports failure and arms at most one delayed retry for
// the frame; in any other non-open state the frame is dropped.
func (m *Manager) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Error().Err(err).Msg("marshal outbound frame")
		return false
	}

	m.mu.Lock()
	switch {
	case m.state == StateOpen && m.conn != nil:
		conn := m.conn
		m.mu.Unlock()
		return m.write(conn, data)
	case m.state == StateConnecting:
		if !m.retryArmed {
			m.retryArmed = true
			time.AfterFunc(m.cfg.SendRetryDelay, func() { m.sendRetry(data) })
			m.log.Debug().Msg("socket connecting, frame retry armed")
		}
		m.mu.Unlock()
		return false
	default:
		m.mu.Unlock()
		m.countMessage("outbound", "dropped")
		return false
	}
}

// SendBinary writes a binary frame when the socket is open. Binary
// frames are never retried.
func (m *Manager) SendBinary(data []byte) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen && conn != nil
	m.mu.Unlock()

	if !open {
		m.countMessage("outbound", "dropped")
		return false
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		m.countMessage("outbound", "error")
		m.log.Warn().Err(err).Msg("binary write to tutor failed")
		return false
	}
	m.countMessage("outbound", "binary")
	return true
}

func (m *Manager) sendRetry(data []byte) {
	m.mu.Lock()
	m.retryArmed = false
	conn := m.conn
	open := m.state == StateOpen && conn != nil
	m.mu.Unlock()

	if !open {
		m.countMessage("outbound", "dropped")
		m.log.Warn().Msg("socket still not open, dropping retried frame")
		return
	}
	m.write(conn, data)
}

func (m *Manager) write(conn *websocket.Conn, data []byte) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.countMessage("outbound", "error")
		m.log.Warn().Err(err).Msg("write to tutor failed")
		return false
	}
	m.countMessage("outbound", "text")
	return true
}

// IsReady reports whether the socket is open.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitUntilReady polls until the socket is open or the timeout passes.
func (m *Manager) WaitUntilReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.IsReady() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(m.cfg.ReadyPoll)
	}
}

// Close shuts the socket down intentionally, cancelling any pending
// redial. The closed handler fires once.
func (m *Manager) Close() {
	m.mu.Lock()
	m.intentional = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateClosed)
	notify := m.notifyClosedLocked(nil)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	m.countEvent("intentional_close")
	if notify != nil {
		notify()
	}
}

func (m *Manager) notifyClosedLocked(reason error) func() {
	if m.closedNotified {
		return nil
	}
	m.closedNotified = true
	h := m.handlers.OnClosed
	if h == nil {
		return nil
	}
	return func() { h(reason) }
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	if m.metrics != nil {
		m.metrics.ConnectionState.Set(float64(s))
	}
}

func (m *Manager) countEvent(event string) {
	if m.metrics != nil {
		m.metrics.ConnectionEvents.WithLabelValues(event).Inc()
	}
}

func (m *Manager) countMessage(direction, msgType string) {
	if m.metrics != nil {
		m.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}
