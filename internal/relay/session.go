package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 32

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
)

type socketState int32

const (
	stateOpen socketState = iota
	stateClosing
	stateClosed
)

var errBackpressure = errors.New("session send buffer full")

// session tracks one accepted socket. The username, publicKey, and joinedAt
// fields are mutated only under the Registry's lock; everything else is
// owned by the connection's own goroutines.
type session struct {
	id         string
	conn       *websocket.Conn
	remoteAddr string
	sourceKey  string

	username  string
	publicKey string
	joinedAt  time.Time

	sendCh chan []byte
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	acceptedAt time.Time
}

func newSession(parent context.Context, id string, conn *websocket.Conn, remoteAddr, sourceKey string) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:         id,
		conn:       conn,
		remoteAddr: remoteAddr,
		sourceKey:  sourceKey,
		sendCh:     make(chan []byte, sendBufferSize),
		ctx:        ctx,
		cancel:     cancel,
		acceptedAt: time.Now(),
	}
}

// State reads the socket state without locking.
func (s *session) State() socketState {
	return socketState(s.state.Load())
}

func (s *session) setState(st socketState) {
	s.state.Store(int32(st))
}

// send queues a payload for the writer goroutine. It never blocks: a full
// buffer means a consumer too slow to keep, so the session is cancelled
// rather than letting backpressure stall the caller.
func (s *session) send(payload []byte) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.sendCh <- payload:
		return nil
	default:
		s.cancel()
		return errBackpressure
	}
}

// writeLoop drains the send channel onto the socket and keeps the
// connection alive with periodic pings. It owns all socket writes.
func (s *session) writeLoop(log *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					log.Warn("socket write failed",
						zap.String("connection_id", s.id), zap.Error(err))
				}
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
