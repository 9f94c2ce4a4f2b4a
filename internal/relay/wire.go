package relay

import (
	"encoding/json"
	"time"
)

// Frame type discriminators shared by both directions of the protocol.
const (
	TypeJoin       = "join"
	TypeMessage    = "message"
	TypeTyping     = "typing"
	TypeStopTyping = "stopTyping"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeUsers      = "users"
	TypeLeave      = "leave"
	TypeError      = "error"
)

// ClientFrame is the union of all client-to-server messages. Which fields
// are meaningful depends on Type; unknown fields are ignored.
type ClientFrame struct {
	Type             string   `json:"type"`
	Username         string   `json:"username,omitempty"`
	PublicKey        string   `json:"publicKey,omitempty"`
	EncryptedMessage string   `json:"encryptedMessage,omitempty"`
	Recipients       []string `json:"recipients,omitempty"`
}

// ServerFrame is the union of all non-presence server-to-client messages.
type ServerFrame struct {
	Type             string `json:"type"`
	Username         string `json:"username,omitempty"`
	EncryptedMessage string `json:"encryptedMessage,omitempty"`
	Message          string `json:"message,omitempty"`
	MessageID        string `json:"messageId,omitempty"`
	Timestamp        string `json:"timestamp"`
}

// PresenceFrame carries a user snapshot. Users has no omitempty so the
// wire always shows an array, even when the room is empty.
type PresenceFrame struct {
	Type      string     `json:"type"`
	Username  string     `json:"username,omitempty"`
	PublicKey string     `json:"publicKey,omitempty"`
	Users     []UserInfo `json:"users"`
	Timestamp string     `json:"timestamp"`
}

// wireError classifies a rejected inbound frame. The code feeds metrics;
// the msg is what the client sees in the error frame.
type wireError struct {
	code string
	msg  string
}

func (e *wireError) Error() string {
	return e.msg
}

func protocolErr(msg string) *wireError {
	return &wireError{code: "protocol", msg: msg}
}

func validationErr(msg string) *wireError {
	return &wireError{code: "validation", msg: msg}
}

// parseClientFrame decodes and minimally validates an inbound frame.
func parseClientFrame(data []byte) (*ClientFrame, *wireError) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, protocolErr("Invalid message format")
	}
	if frame.Type == "" {
		return nil, protocolErr("Missing message type")
	}
	return &frame, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func marshalFrame(frame ServerFrame) []byte {
	if frame.Timestamp == "" {
		frame.Timestamp = timestamp()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		// ServerFrame contains only marshal-safe fields.
		panic(err)
	}
	return data
}

func marshalPresence(frame PresenceFrame) []byte {
	if frame.Users == nil {
		frame.Users = []UserInfo{}
	}
	if frame.Timestamp == "" {
		frame.Timestamp = timestamp()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	return data
}

func usersFrame(users []UserInfo) []byte {
	return marshalPresence(PresenceFrame{Type: TypeUsers, Users: users})
}

func joinFrame(username, publicKey string, users []UserInfo) []byte {
	return marshalPresence(PresenceFrame{
		Type:      TypeJoin,
		Username:  username,
		PublicKey: publicKey,
		Users:     users,
	})
}

func leaveFrame(username string, users []UserInfo) []byte {
	return marshalPresence(PresenceFrame{Type: TypeLeave, Username: username, Users: users})
}

func messageFrame(username, encryptedMessage, messageID string) []byte {
	return marshalFrame(ServerFrame{
		Type:             TypeMessage,
		Username:         username,
		EncryptedMessage: encryptedMessage,
		MessageID:        messageID,
	})
}

func typingFrame(kind, username string) []byte {
	return marshalFrame(ServerFrame{Type: kind, Username: username})
}

func pongFrame() []byte {
	return marshalFrame(ServerFrame{Type: TypePong})
}

func errorFrame(msg string) []byte {
	return marshalFrame(ServerFrame{Type: TypeError, Message: msg})
}
