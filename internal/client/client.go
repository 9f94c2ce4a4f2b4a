// Package client implements a PieraChat session: connection supervision,
// joining, envelope encryption, and the local history hook. The relay only
// ever sees sealed envelopes; all key material stays in this process.
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/piera23/PieraChat/internal/envelope"
	"github.com/piera23/PieraChat/internal/history"
	"github.com/piera23/PieraChat/internal/keyring"
	"github.com/piera23/PieraChat/internal/relay"
)

// State is the connection supervisor's phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

const (
	backoffBase = time.Second
	backoffMax  = 30 * time.Second

	typingTTL = 5 * time.Second

	maxEncryptedMessage = 8 * 1024

	eventBuffer = 128
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrTooLarge     = errors.New("client: encrypted message exceeds size limit")
)

// Event kinds delivered on the Events channel.
const (
	EventMessage    = "message"
	EventRoster     = "roster"
	EventUserJoined = "userJoined"
	EventUserLeft   = "userLeft"
	EventTyping     = "typing"
	EventStopTyping = "stopTyping"
	EventError      = "error"
	EventState      = "state"
)

// Message is one decrypted (or undecryptable) inbound chat message.
type Message struct {
	ID            string
	From          string
	Body          string
	Timestamp     time.Time
	Own           bool
	Undecryptable bool
}

// Event is one item of session output.
type Event struct {
	Kind     string
	Message  *Message
	Username string
	Users    []relay.UserInfo
	State    State
	Err      string
}

// Options configures a client.
type Options struct {
	ServerURL string
	Cipher    *envelope.Cipher
	History   *history.Store
	Logger    *zap.Logger
}

// Client supervises one chat session. Connection lifetime is driven by two
// gates: a username must be set and the cipher must be present. Clearing
// the username drops the connection and cancels any pending retry.
type Client struct {
	log     *zap.Logger
	url     string
	cipher  *envelope.Cipher
	store   *history.Store
	keys    *keyring.Directory
	events  chan Event

	mu       sync.Mutex
	username string
	state    State
	attempt  int
	typing   map[string]time.Time
	active   *conn

	wake chan struct{}
}

// New builds a client. The cipher is required; history is optional.
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("client: server url required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("client: cipher required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log:    log,
		url:    opts.ServerURL,
		cipher: opts.Cipher,
		store:  opts.History,
		keys:   keyring.NewDirectory(),
		events: make(chan Event, eventBuffer),
		typing: make(map[string]time.Time),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Events is the stream of session output. Slow consumers lose events
// rather than stalling the read loop.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SetUsername arms the supervisor. Reconnects reuse the same name.
func (c *Client) SetUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
	c.kick()
}

// ClearUsername disarms the supervisor: the connection drops and any
// pending backoff retry is cancelled.
func (c *Client) ClearUsername() {
	c.mu.Lock()
	c.username = ""
	active := c.active
	c.mu.Unlock()
	if active != nil {
		active.close()
	}
	c.kick()
}

// State reports the supervisor phase and, during backoff, the attempt
// number the next dial will carry.
func (c *Client) State() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.attempt
}

// Username returns the currently armed username, if any.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Roster returns the current key directory view.
func (c *Client) Roster() []keyring.Entry {
	return c.keys.Snapshot()
}

// TypingUsers lists peers whose typing indicator has not expired. Stale
// indicators from peers that died mid-typing age out after the TTL.
func (c *Client) TypingUsers() []string {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for user, deadline := range c.typing {
		if now.After(deadline) {
			delete(c.typing, user)
			continue
		}
		out = append(out, user)
	}
	return out
}

// Send seals text for every peer in the key directory and relays it as a
// broadcast.
func (c *Client) Send(text string) error {
	return c.send(text, nil)
}

// SendTo seals text for the named peers only. The relay delivers the frame
// just to them; the envelope carries wrapped keys just for them.
func (c *Client) SendTo(text string, recipients []string) error {
	if len(recipients) == 0 {
		return errors.New("client: recipients required")
	}
	return c.send(text, recipients)
}

func (c *Client) send(text string, recipients []string) error {
	c.mu.Lock()
	active := c.active
	username := c.username
	c.mu.Unlock()
	if active == nil || username == "" {
		return ErrNotConnected
	}

	var slots map[string][]byte
	if recipients == nil {
		slots = c.keys.Recipients()
		delete(slots, username)
	} else {
		slots = c.keys.Subset(recipients)
	}

	env, err := c.cipher.Seal([]byte(text), slots)
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}
	encoded, err := env.Encode()
	if err != nil {
		return err
	}
	if len(encoded) > maxEncryptedMessage {
		return ErrTooLarge
	}

	if err := active.writeFrame(relay.ClientFrame{
		Type:             relay.TypeMessage,
		EncryptedMessage: string(encoded),
		Recipients:       recipients,
	}); err != nil {
		return err
	}

	c.archive(history.Message{
		ID:        fmt.Sprintf("own-%d", time.Now().UnixNano()),
		Type:      relay.TypeMessage,
		Username:  username,
		Body:      text,
		Timestamp: time.Now().UTC(),
		IsOwn:     true,
		Encrypted: true,
	})
	return nil
}

// Typing signals that the user started typing.
func (c *Client) Typing() error {
	return c.signal(relay.TypeTyping)
}

// StopTyping signals that the user stopped typing.
func (c *Client) StopTyping() error {
	return c.signal(relay.TypeStopTyping)
}

func (c *Client) signal(kind string) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return ErrNotConnected
	}
	return active.writeFrame(relay.ClientFrame{Type: kind})
}

func (c *Client) archive(msg history.Message) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(msg); err != nil {
		c.log.Warn("history save failed", zap.Error(err))
	}
}

func (c *Client) touchContact(username string) {
	if c.store == nil || username == "" {
		return
	}
	if err := c.store.TouchContact(username); err != nil {
		c.log.Warn("contact update failed", zap.Error(err))
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event dropped", zap.String("kind", ev.Kind))
	}
}

func (c *Client) setState(st State, attempt int) {
	c.mu.Lock()
	changed := c.state != st || c.attempt != attempt
	c.state = st
	c.attempt = attempt
	c.mu.Unlock()
	if changed {
		c.emit(Event{Kind: EventState, State: st})
	}
}

// kick nudges the supervisor loop without blocking.
func (c *Client) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
