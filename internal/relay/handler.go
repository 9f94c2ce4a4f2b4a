package relay

import (
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]{2,20}$`)

// handleWS is the websocket entry point. Admission runs before the
// upgrade so rejected sources cost one HTTP response, not a socket.
func (s *RelayServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	sourceKey := sourceKeyFor(r)
	if !s.admission.Allow(sourceKey) {
		s.metrics.recordAdmissionDenied()
		s.log.Warn("connection rejected by rate limit", zap.String("source", sourceKey))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(s.rootCtx, uuid.NewString(), conn, r.RemoteAddr, sourceKey)
	s.registry.Insert(sess)
	s.metrics.incConnection()
	s.log.Info("connection accepted",
		zap.String("connection_id", sess.id),
		zap.String("remote_addr", sess.remoteAddr))

	go sess.writeLoop(s.log)
	s.readLoop(sess)
	s.disconnect(sess)
}

// sourceKeyFor buckets a request for admission control by client IP.
func sourceKeyFor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

// readLoop consumes inbound frames until the socket errors or closes. The
// hard read limit sits above the frame limit so oversized frames get an
// error reply instead of an abrupt close.
func (s *RelayServer) readLoop(sess *session) {
	maxFrame := s.cfg.Limits.MaxFrameBytes
	sess.conn.SetReadLimit(maxFrame * 2)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		select {
		case <-sess.ctx.Done():
			return
		default:
		}

		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if !isExpectedCloseError(err) {
				s.log.Warn("socket read failed",
					zap.String("connection_id", sess.id), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if int64(len(data)) > maxFrame {
			s.metrics.recordFrameError("oversize")
			_ = sess.send(errorFrame("Message too large"))
			continue
		}
		s.dispatch(sess, data)
	}
}

// dispatch handles one parsed client frame.
func (s *RelayServer) dispatch(sess *session, data []byte) {
	frame, werr := parseClientFrame(data)
	if werr != nil {
		s.metrics.recordFrameError(werr.code)
		_ = sess.send(errorFrame(werr.msg))
		return
	}

	start := time.Now()
	defer func() {
		s.metrics.observeLatency(frame.Type, time.Since(start))
	}()

	switch frame.Type {
	case TypeJoin:
		s.handleJoin(sess, frame)
	case TypeMessage:
		s.handleMessage(sess, frame)
	case TypeTyping, TypeStopTyping:
		s.handleTyping(sess, frame.Type)
	case TypePing:
		_ = sess.send(pongFrame())
	default:
		s.metrics.recordFrameError("protocol")
		s.log.Warn("unknown frame type",
			zap.String("connection_id", sess.id),
			zap.String("frame_type", frame.Type))
		_ = sess.send(errorFrame("Unknown message type"))
	}
}

func (s *RelayServer) handleJoin(sess *session, frame *ClientFrame) {
	if !usernamePattern.MatchString(frame.Username) {
		s.metrics.recordFrameError("validation")
		_ = sess.send(errorFrame("Invalid username"))
		return
	}
	if err := s.registry.Join(sess.id, frame.Username, frame.PublicKey); err != nil {
		s.metrics.recordFrameError("validation")
		_ = sess.send(errorFrame("Username already taken"))
		return
	}

	users := s.registry.Snapshot()
	_ = sess.send(usersFrame(users))

	s.router.Route(joinFrame(frame.Username, frame.PublicKey, users), Broadcast(), sess.id)
	s.metrics.recordBroadcast(TypeJoin)
	s.metrics.setJoined(s.registry.JoinedLen())
	s.log.Info("user joined",
		zap.String("connection_id", sess.id),
		zap.String("username", frame.Username),
		zap.Int("joined_users", len(users)))
}

func (s *RelayServer) handleMessage(sess *session, frame *ClientFrame) {
	username := s.registry.Username(sess.id)
	if username == "" {
		s.metrics.recordFrameError("auth")
		_ = sess.send(errorFrame("Not authenticated"))
		return
	}
	if frame.EncryptedMessage == "" || len(frame.EncryptedMessage) > s.cfg.Limits.MaxMessageBytes {
		s.metrics.recordFrameError("validation")
		_ = sess.send(errorFrame("Invalid message"))
		return
	}

	payload := messageFrame(username, frame.EncryptedMessage, uuid.NewString())
	audience := Broadcast()
	if len(frame.Recipients) > 0 {
		audience = To(frame.Recipients)
	}
	report := s.router.Route(payload, audience, sess.id)
	s.metrics.recordBroadcast(TypeMessage)
	s.log.Info("message relayed",
		zap.String("username", username),
		zap.Int("recipients", report.Delivered))
}

func (s *RelayServer) handleTyping(sess *session, kind string) {
	username := s.registry.Username(sess.id)
	if username == "" {
		return
	}
	s.router.Route(typingFrame(kind, username), Broadcast(), sess.id)
	s.metrics.recordBroadcast(kind)
}

// disconnect tears a session down. Registry removal decides the winner, so
// a read error racing the housekeeping sweep broadcasts exactly one leave.
func (s *RelayServer) disconnect(sess *session) {
	sess.cancel()
	sess.setState(stateClosed)

	removed, won := s.registry.Remove(sess.id)
	if !won {
		return
	}
	s.metrics.decConnection()

	if removed.username != "" {
		s.router.Route(leaveFrame(removed.username, s.registry.Snapshot()), Broadcast(), sess.id)
		s.metrics.recordBroadcast(TypeLeave)
		s.log.Info("user left",
			zap.String("connection_id", sess.id),
			zap.String("username", removed.username),
			zap.Int("remaining", s.registry.Len()))
	} else {
		s.log.Info("connection closed", zap.String("connection_id", sess.id))
	}
	s.metrics.setJoined(s.registry.JoinedLen())
}
