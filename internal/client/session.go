package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/piera23/PieraChat/internal/envelope"
	"github.com/piera23/PieraChat/internal/history"
	"github.com/piera23/PieraChat/internal/relay"
)

const (
	dialTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	undecryptable = "[encrypted message - unable to decrypt]"
)

// inboundFrame is the union of everything the relay can send us.
type inboundFrame struct {
	Type             string           `json:"type"`
	Username         string           `json:"username"`
	PublicKey        string           `json:"publicKey"`
	Users            []relay.UserInfo `json:"users"`
	EncryptedMessage string           `json:"encryptedMessage"`
	Message          string           `json:"message"`
	MessageID        string           `json:"messageId"`
	Timestamp        string           `json:"timestamp"`
}

// conn wraps one live websocket with a serialized writer.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *conn) writeFrame(frame relay.ClientFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(frame)
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Run drives the reconnect supervisor until ctx is cancelled. The loop
// only dials while a username is armed; losing the connection moves
// through Backoff with exponential delay (1s base, 30s cap) and the
// attempt counter resets once a session reaches the roster push.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateIdle, 0)
			return err
		}

		if c.Username() == "" {
			attempt = 0
			c.setState(StateIdle, 0)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}

		c.setState(StateConnecting, attempt)
		established, err := c.runSession(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Warn("session ended", zap.Error(err))
		}
		if established {
			attempt = 0
		}
		if ctx.Err() != nil || c.Username() == "" {
			continue
		}

		delay := backoffDelay(attempt)
		attempt++
		c.setState(StateBackoff, attempt)
		c.log.Info("reconnecting",
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
		case <-c.wake:
		case <-time.After(delay):
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt && d < backoffMax; i++ {
		d *= 2
	}
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// runSession dials, joins, and pumps frames until the socket drops. The
// returned flag reports whether the session got far enough to receive the
// roster push.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false, err
	}
	active := &conn{ws: ws, done: make(chan struct{})}

	c.mu.Lock()
	c.active = active
	username := c.username
	c.mu.Unlock()

	defer func() {
		active.close()
		c.mu.Lock()
		if c.active == active {
			c.active = nil
		}
		c.mu.Unlock()
		c.keys.Clear()
	}()

	if err := active.writeFrame(relay.ClientFrame{
		Type:      relay.TypeJoin,
		Username:  username,
		PublicKey: c.cipher.PublicKey(),
	}); err != nil {
		return false, err
	}

	go c.pingLoop(ctx, active)

	established := false
	for {
		select {
		case <-ctx.Done():
			return established, ctx.Err()
		case <-active.done:
			return established, nil
		default:
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			return established, err
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("unparseable frame", zap.Error(err))
			continue
		}
		if frame.Type == relay.TypeUsers {
			established = true
			c.setState(StateConnected, 0)
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) pingLoop(ctx context.Context, active *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-active.done:
			return
		case <-ticker.C:
			if err := active.writeFrame(relay.ClientFrame{Type: relay.TypePing}); err != nil {
				active.close()
				return
			}
		}
	}
}

func (c *Client) handleFrame(frame *inboundFrame) {
	switch frame.Type {
	case relay.TypeUsers:
		c.importRoster(frame.Users)
		c.emit(Event{Kind: EventRoster, Users: frame.Users})

	case relay.TypeJoin:
		if err := c.keys.Put(frame.Username, frame.PublicKey); err != nil {
			c.log.Warn("bad peer key", zap.String("username", frame.Username), zap.Error(err))
		}
		c.touchContact(frame.Username)
		c.emit(Event{Kind: EventUserJoined, Username: frame.Username, Users: frame.Users})

	case relay.TypeLeave:
		c.keys.Remove(frame.Username)
		c.mu.Lock()
		delete(c.typing, frame.Username)
		c.mu.Unlock()
		c.emit(Event{Kind: EventUserLeft, Username: frame.Username, Users: frame.Users})

	case relay.TypeMessage:
		c.handleInboundMessage(frame)

	case relay.TypeTyping:
		c.mu.Lock()
		c.typing[frame.Username] = time.Now().Add(typingTTL)
		c.mu.Unlock()
		c.emit(Event{Kind: EventTyping, Username: frame.Username})

	case relay.TypeStopTyping:
		c.mu.Lock()
		delete(c.typing, frame.Username)
		c.mu.Unlock()
		c.emit(Event{Kind: EventStopTyping, Username: frame.Username})

	case relay.TypePong:
		// Keepalive acknowledged.

	case relay.TypeError:
		c.log.Warn("relay error", zap.String("message", frame.Message))
		c.emit(Event{Kind: EventError, Err: frame.Message})

	default:
		c.log.Debug("unknown frame type", zap.String("frame_type", frame.Type))
	}
}

// importRoster replaces the key directory with a fresh presence snapshot.
func (c *Client) importRoster(users []relay.UserInfo) {
	c.keys.Clear()
	for _, user := range users {
		if err := c.keys.Put(user.Username, user.PublicKey); err != nil {
			c.log.Warn("bad roster key", zap.String("username", user.Username), zap.Error(err))
		}
	}
}

// handleInboundMessage opens the envelope, preferring the slot wrapped for
// our username and falling back to the sender echo slot. Decryption
// failure is non-fatal: the message surfaces as a placeholder.
func (c *Client) handleInboundMessage(frame *inboundFrame) {
	ts, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	msg := Message{
		ID:        frame.MessageID,
		From:      frame.Username,
		Timestamp: ts,
	}

	env, err := envelope.Decode([]byte(frame.EncryptedMessage))
	if err != nil {
		msg.Body = undecryptable
		msg.Undecryptable = true
	} else {
		plaintext, err := c.cipher.Open(env, c.Username(), envelope.SelfSlot)
		if err != nil {
			c.log.Warn("undecryptable message",
				zap.String("from", frame.Username), zap.Error(err))
			msg.Body = undecryptable
			msg.Undecryptable = true
		} else {
			msg.Body = string(plaintext)
		}
	}

	c.touchContact(frame.Username)
	c.archive(history.Message{
		ID:        msg.ID,
		Type:      relay.TypeMessage,
		Username:  msg.From,
		Body:      msg.Body,
		Timestamp: msg.Timestamp,
		Encrypted: true,
	})
	c.emit(Event{Kind: EventMessage, Message: &msg})
}
