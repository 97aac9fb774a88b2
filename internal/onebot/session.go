package onebot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Handler processes one inbound event. It runs on its own goroutine and may
// reply through out at any time, including after a reconnect.
type Handler func(ctx context.Context, ev *Event, out Sender)

type StateCallback func(state State)

// HeaderProvider supplies extra handshake headers.
type HeaderProvider func() map[string]string

// Session keeps one client connection to the OneBot gateway alive and
// dispatches every inbound frame to a Handler.
type Session struct {
	wsURL        string
	retryDelay   time.Duration
	dialTimeout  time.Duration
	pingInterval time.Duration
	readLimit    int64
	headers      HeaderProvider
	logger       *zap.Logger

	connM      sync.RWMutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	state      State

	// Handlers run under hctx, which outlives Run's ctx so Shutdown can drain them.
	hctx    context.Context
	hcancel context.CancelFunc

	cbM      sync.RWMutex
	stateCbs []StateCallback

	inflight sync.WaitGroup
}

type Option func(*Session)

// WithRetryDelay sets the fixed wait between failed connection attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive ping period; 0 disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) { s.pingInterval = d }
}

// WithAccessToken sends "Authorization: Bearer <token>" on the handshake.
func WithAccessToken(token string) Option {
	return func(s *Session) {
		token = strings.TrimSpace(token)
		if token == "" {
			return
		}
		prev := s.headers
		s.headers = func() map[string]string {
			h := map[string]string{}
			if prev != nil {
				for k, v := range prev() {
					h[k] = v
				}
			}
			h["Authorization"] = "Bearer " + token
			return h
		}
	}
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(s *Session) { s.headers = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSession(wsURL string, opts ...Option) *Session {
	s := &Session{
		wsURL:        wsURL,
		retryDelay:   10 * time.Second,
		dialTimeout:  10 * time.Second,
		pingInterval: 30 * time.Second,
		readLimit:    1 << 20,
		logger:       zap.NewNop(),
		state:        StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) OnStateChange(cb StateCallback) {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	s.stateCbs = append(s.stateCbs, cb)
}

func (s *Session) State() State {
	s.connM.RLock()
	defer s.connM.RUnlock()
	return s.state
}

// Run connects, receives and dispatches until ctx is cancelled. Connection
// failures are retried forever with a fixed delay; a dropped connection is
// redialled immediately. The returned error is always ctx.Err().
//
// Cancelling ctx stops dispatch but leaves the connection open and in-flight
// handlers running; call Shutdown afterwards to drain them and disconnect.
func (s *Session) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("onebot: nil handler")
	}
	hctx := s.handlerContext(ctx)
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateDisconnected)
			return err
		}

		s.setState(StateConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("onebot_connect_failed",
				zap.String("url", s.wsURL),
				zap.Duration("retry_in", s.retryDelay),
				zap.Error(err),
			)
			if !sleepContext(ctx, s.retryDelay) {
				s.setState(StateDisconnected)
				return ctx.Err()
			}
			continue
		}

		connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
		s.attach(conn, connCancel)
		s.logger.Info("onebot_connected", zap.String("url", s.wsURL))
		err = s.serve(ctx, connCtx, conn, hctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.detach(conn)
		s.logger.Warn("onebot_connection_closed", zap.Error(err))
	}
}

// Shutdown waits for in-flight handlers and then closes the connection. If
// ctx expires first, handler contexts are cancelled and ctx.Err() is returned.
func (s *Session) Shutdown(ctx context.Context) error {
	err := s.Wait(ctx)

	s.connM.Lock()
	cancel := s.hcancel
	s.hctx, s.hcancel = nil, nil
	conn := s.conn
	s.connM.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.detach(conn)
	}
	s.setState(StateDisconnected)
	return err
}

func (s *Session) handlerContext(ctx context.Context) context.Context {
	s.connM.Lock()
	defer s.connM.Unlock()
	if s.hctx == nil {
		s.hctx, s.hcancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	return s.hctx
}

// Wait blocks until every dispatched handler has returned or ctx expires.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, s.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      s.buildHeaders(),
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", s.wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.wsURL, err)
	}
	conn.SetReadLimit(s.readLimit)
	return conn, nil
}

// serve dispatches frames from conn until ctx is cancelled or the connection
// fails. Each frame is handed to its own goroutine so a slow command never
// holds up the next frame.
func (s *Session) serve(ctx, connCtx context.Context, conn *websocket.Conn, hctx context.Context, h Handler) error {
	if s.pingInterval > 0 {
		go s.pingLoop(connCtx, conn)
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stopped := make(chan struct{})
	defer close(stopped)
	go s.readLoop(connCtx, conn, frames, readErr, stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case data := <-frames:
			ev, err := DecodeEvent(data)
			if err != nil {
				s.logger.Warn("onebot_bad_frame", zap.Int("bytes", len(data)), zap.Error(err))
				continue
			}
			s.dispatch(hctx, h, ev)
		}
	}
}

// readLoop keeps reading after serve has stopped so control frames are still
// answered while handlers drain. Frames arriving after stopped are dropped.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- []byte, errc chan<- error, stopped <-chan struct{}) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			errc <- err
			return
		}
		select {
		case frames <- data:
		case <-stopped:
			s.logger.Debug("onebot_frame_dropped", zap.Int("bytes", len(data)))
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, h Handler, ev *Event) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("onebot_handler_panic",
					zap.Any("panic", r),
					zap.String("message_id", ev.MessageID.String()),
				)
			}
		}()
		h(ctx, ev, s)
	}()
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= 2 {
				s.logger.Warn("onebot_ping_failed", zap.Int("failures", failures), zap.Error(err))
				// Closing unblocks Read in serve, which triggers a redial.
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (s *Session) attach(conn *websocket.Conn, cancel context.CancelFunc) {
	s.connM.Lock()
	s.conn = conn
	s.connCancel = cancel
	s.connM.Unlock()
	s.setState(StateConnected)
}

func (s *Session) detach(conn *websocket.Conn) {
	var cancel context.CancelFunc
	s.connM.Lock()
	if s.conn == conn {
		s.conn = nil
		cancel = s.connCancel
		s.connCancel = nil
	}
	s.connM.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "reconnect")
	if cancel != nil {
		cancel()
	}
	s.setState(StateDisconnected)
}

func (s *Session) current() *websocket.Conn {
	s.connM.RLock()
	defer s.connM.RUnlock()
	return s.conn
}

func (s *Session) setState(state State) {
	s.connM.Lock()
	changed := s.state != state
	s.state = state
	s.connM.Unlock()
	if !changed {
		return
	}

	s.cbM.RLock()
	callbacks := make([]StateCallback, len(s.stateCbs))
	copy(callbacks, s.stateCbs)
	s.cbM.RUnlock()
	for _, cb := range callbacks {
		if cb != nil {
			cb(state)
		}
	}
}

func (s *Session) buildHeaders() http.Header {
	hdr := http.Header{}
	if s.headers == nil {
		return hdr
	}
	for k, v := range s.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
