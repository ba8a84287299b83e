package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second

	// defaultMaxFrameBytes bounds a single inbound frame. History batches
	// are the largest frames the server sends.
	defaultMaxFrameBytes = 16 * 1024 * 1024

	// frameChanSize is the buffer between the reader and the event loop.
	frameChanSize = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

// Frame is one item on the manager's stream: a session opening, a raw
// text frame, or a session ending.
type Frame interface {
	frame()
}

// FrameOpened announces a new Open session.
type FrameOpened struct {
	Session SessionInfo
}

// FrameData carries one raw inbound text frame.
type FrameData struct {
	Session uint64
	Data    []byte
}

// FrameClosed announces the end of a session. Err is nil for an orderly
// close.
type FrameClosed struct {
	Session uint64
	Err     error
}

func (FrameOpened) frame() {}
func (FrameData) frame()   {}
func (FrameClosed) frame() {}

type dialFunc func(ctx context.Context, u string, opts *websocket.DialOptions) (wsConn, *http.Response, error)

func dialWebsocket(ctx context.Context, u string, opts *websocket.DialOptions) (wsConn, *http.Response, error) {
	conn, resp, err := websocket.Dial(ctx, u, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, resp, err
	}

	return conn, resp, nil
}

// ManagerConfig holds the endpoint parameters and reconnect policy.
type ManagerConfig struct {
	// Endpoint is the websocket URL, e.g. wss://host/ws/chat.
	Endpoint       string
	ConversationID string
	ViewerID       string
	HTTPHeader     http.Header

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxAttempts caps consecutive failed dials. Zero retries forever.
	MaxAttempts int

	// HeartbeatInterval is the ping period. Zero disables pings.
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration

	MaxFrameBytes int64

	// SendRate and SendBurst pace outbound commands. A zero SendRate
	// disables pacing.
	SendRate  float64
	SendBurst int

	Logger  *slog.Logger
	Metrics *Metrics
}

// Manager owns the lifecycle of the persistent channel: connect,
// reconnect with backoff, and teardown. It hands inbound frames to a
// single consumer through the channel returned by Open.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter
	dial    dialFunc

	mu      sync.RWMutex
	session *Session
	cancel  context.CancelFunc
	closing bool
	err     error
	done    chan struct{}
}

// NewManager creates a Manager from cfg, filling defaults for zero values.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}

	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}

	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = cfg.HeartbeatInterval
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	m := &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		dial:    dialWebsocket,
	}

	if cfg.SendRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), max(cfg.SendBurst, 1))
	}

	return m
}

// validate checks the connection parameters. Missing parameters are fatal.
func (c ManagerConfig) validate() error {
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("%w: endpoint", syncerr.ErrMissingParams)
	case c.ConversationID == "":
		return fmt.Errorf("%w: conversation id", syncerr.ErrMissingParams)
	case c.ViewerID == "":
		return fmt.Errorf("%w: viewer id", syncerr.ErrMissingParams)
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %w", syncerr.ErrMissingParams, err)
	}

	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%w: endpoint scheme %q", syncerr.ErrMissingParams, u.Scheme)
	}

	return nil
}

// dialURL appends the conversation and viewer to the endpoint's query.
func (c ManagerConfig) dialURL() string {
	u, _ := url.Parse(c.Endpoint)

	q := u.Query()
	q.Set("group_id", c.ConversationID)
	q.Set("user_id", c.ViewerID)
	u.RawQuery = q.Encode()

	return u.String()
}

// Open validates the endpoint parameters and starts the connect loop. The
// returned channel is closed when the manager stops; Err then reports why.
func (m *Manager) Open(ctx context.Context) (<-chan Frame, error) {
	if err := m.cfg.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		return nil, errors.New("manager already opened")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	out := make(chan Frame, frameChanSize)
	go m.run(ctx, out)

	return out, nil
}

// Err returns the error that stopped the manager: nil after Close or
// context cancellation, an AuthError, or ErrRetriesExhausted.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.err
}

// State returns the state of the current session. A manager with no
// session reports Closed.
func (m *Manager) State() SessionState {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()

	if s == nil {
		return StateClosed
	}

	return s.State()
}

// Send writes cmd on the Open session. It returns ErrNotConnected when no
// session is Open and a TransportError when the write fails.
func (m *Manager) Send(ctx context.Context, cmd protocol.Command) error {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()

	if s == nil {
		return syncerr.ErrNotConnected
	}

	conn, ok := s.liveConn()
	if !ok {
		return syncerr.ErrNotConnected
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for send slot: %w", err)
		}
	}

	if err := conn.Write(ctx, websocket.MessageText, cmd.Data); err != nil {
		return &TransportError{Err: fmt.Errorf("writing %s command: %w", cmd.Kind, err)}
	}

	m.metrics.CommandsSent.WithLabelValues(string(cmd.Kind)).Inc()

	return nil
}

// Close cancels any pending reconnect, closes the live session with a
// normal closure, and waits for the connect loop to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, done, s := m.cancel, m.done, m.session
	m.closing = true
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}

	var closeErr error

	if s != nil {
		if conn, ok := s.liveConn(); ok {
			closeErr = conn.Close(websocket.StatusNormalClosure, "bye")
		}
	}

	cancel()
	<-done

	return closeErr
}

func (m *Manager) isClosing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.closing
}

// run is the connect loop. It dials, serves the session until it drops,
// then waits out the backoff and dials again. Returns only on Close,
// context cancellation, a fatal AuthError, or exhausted retries.
func (m *Manager) run(ctx context.Context, out chan<- Frame) {
	var err error

	defer func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()

		close(out)
		close(m.done)
	}()

	backoff := m.cfg.ReconnectMin
	failures := 0

	var seq uint64

	for {
		seq++
		s := newSession(SessionInfo{ID: uuid.NewString(), Seq: seq, Resync: seq > 1})

		m.mu.Lock()
		m.session = s
		m.mu.Unlock()
		m.metrics.SessionState.Set(float64(StateConnecting))

		dialErr := m.connect(ctx, s)
		if dialErr != nil {
			s.finish(StateFailed)
			m.metrics.SessionState.Set(float64(StateFailed))
			seq--

			if ctx.Err() != nil || m.isClosing() {
				return
			}

			if IsAuth(dialErr) {
				m.logger.Error("connection refused", slog.String("error", dialErr.Error()))
				err = dialErr

				return
			}

			failures++
			m.metrics.DialFailures.Inc()

			if m.cfg.MaxAttempts > 0 && failures >= m.cfg.MaxAttempts {
				err = fmt.Errorf("%w after %d attempts: %w", syncerr.ErrRetriesExhausted, failures, dialErr)
				return
			}

			m.logger.Warn("connect failed",
				slog.String("error", dialErr.Error()),
				slog.Int("attempt", failures),
				slog.Duration("backoff", backoff),
			)

			if !m.sleep(ctx, backoff) {
				return
			}

			backoff = min(backoff*reconnectBackoffMultiplier, m.cfg.ReconnectMax)

			continue
		}

		failures = 0
		backoff = m.cfg.ReconnectMin

		if s.info.Resync {
			m.metrics.Reconnects.Inc()
		}

		m.metrics.SessionState.Set(float64(StateOpen))
		m.logger.Info("session open",
			slog.String("connection_id", s.info.ID),
			slog.Uint64("seq", s.info.Seq),
			slog.Bool("resync", s.info.Resync),
		)

		if !emit(ctx, out, FrameOpened{Session: s.info}) {
			if conn, ok := s.liveConn(); ok {
				conn.Close(websocket.StatusNormalClosure, "bye")
			}

			s.finish(StateClosed)

			return
		}

		serveErr := m.serve(ctx, s, out)

		if ctx.Err() != nil || m.isClosing() {
			s.finish(StateClosed)
			m.metrics.SessionState.Set(float64(StateClosed))
			offer(out, FrameClosed{Session: s.info.Seq})

			return
		}

		serveErr = classifyClose(serveErr)
		s.finish(StateFailed)
		m.metrics.SessionState.Set(float64(StateFailed))

		if !emit(ctx, out, FrameClosed{Session: s.info.Seq, Err: serveErr}) {
			return
		}

		if IsAuth(serveErr) {
			m.logger.Error("session refused", slog.String("error", serveErr.Error()))
			err = serveErr

			return
		}

		m.logger.Warn("connection lost, reconnecting",
			slog.String("error", serveErr.Error()),
			slog.Duration("uptime", s.uptime(time.Now())),
			slog.Duration("backoff", backoff),
		)

		if !m.sleep(ctx, backoff) {
			return
		}
	}
}

// connect dials the endpoint and opens s on success.
func (m *Manager) connect(ctx context.Context, s *Session) error {
	u := m.cfg.dialURL()
	m.logger.Debug("connecting", slog.String("url", u), slog.Uint64("seq", s.info.Seq))

	conn, resp, err := m.dial(ctx, u, &websocket.DialOptions{HTTPHeader: m.cfg.HTTPHeader})
	if err != nil {
		return classifyDial(err, resp)
	}

	conn.SetReadLimit(m.cfg.MaxFrameBytes)

	if err := s.open(conn, time.Now()); err != nil {
		conn.Close(websocket.StatusInternalError, "session state")
		return &TransportError{Err: err}
	}

	return nil
}

// serve reads frames from s until the connection drops. A heartbeat
// goroutine pings the peer; a ping that fails within PingTimeout ends the
// session so the loop can reconnect.
func (m *Manager) serve(ctx context.Context, s *Session, out chan<- Frame) error {
	conn, ok := s.liveConn()
	if !ok {
		return &TransportError{Err: syncerr.ErrNotConnected}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			typ, data, err := conn.Read(gctx)
			if err != nil {
				return fmt.Errorf("reading message: %w", err)
			}

			if typ != websocket.MessageText {
				m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
				continue
			}

			m.metrics.FramesReceived.Inc()

			if !emit(gctx, out, FrameData{Session: s.info.Seq, Data: data}) {
				return gctx.Err()
			}
		}
	})

	if m.cfg.HeartbeatInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(m.cfg.HeartbeatInterval)
			defer ticker.Stop()

			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					pingCtx, cancel := context.WithTimeout(gctx, m.cfg.PingTimeout)
					err := conn.Ping(pingCtx)
					cancel()

					if err != nil {
						if gctx.Err() != nil {
							return nil
						}

						conn.Close(websocket.StatusGoingAway, "heartbeat timeout")

						return &TransportError{Err: fmt.Errorf("heartbeat: %w", err)}
					}
				}
			}
		})
	}

	return g.Wait()
}

// sleep waits d plus jitter. It reports false if ctx ended first, which
// is how Close cancels a pending reconnect.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if span := int64(d) / jitterDivisor; span > 0 {
		d += time.Duration(rand.Int64N(span)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func emit(ctx context.Context, out chan<- Frame, f Frame) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// offer delivers f if there is room, for the final frame after the
// consumer may have stopped reading.
func offer(out chan<- Frame, f Frame) {
	select {
	case out <- f:
	default:
	}
}
