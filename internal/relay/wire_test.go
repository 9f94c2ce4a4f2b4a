package relay

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseClientFrame(t *testing.T) {
	frame, werr := parseClientFrame([]byte(`{"type":"join","username":"Ana","publicKey":"abc"}`))
	if werr != nil {
		t.Fatalf("parse: %v", werr)
	}
	if frame.Type != TypeJoin || frame.Username != "Ana" || frame.PublicKey != "abc" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestParseClientFrameRejectsGarbage(t *testing.T) {
	if _, werr := parseClientFrame([]byte("{not json")); werr == nil {
		t.Fatal("expected parse error")
	} else if werr.msg != "Invalid message format" {
		t.Fatalf("unexpected message %q", werr.msg)
	}

	if _, werr := parseClientFrame([]byte(`{"username":"Ana"}`)); werr == nil {
		t.Fatal("expected missing-type error")
	}
}

func TestPresenceFrameAlwaysCarriesUsersArray(t *testing.T) {
	data := usersFrame(nil)
	if !strings.Contains(string(data), `"users":[]`) {
		t.Fatalf("empty roster must marshal as an array: %s", data)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["timestamp"]; !ok {
		t.Fatal("presence frames carry a timestamp")
	}
}

func TestMessageFrameShape(t *testing.T) {
	data := messageFrame("Ana", "ciphertext", "msg-1")

	var decoded struct {
		Type             string `json:"type"`
		Username         string `json:"username"`
		EncryptedMessage string `json:"encryptedMessage"`
		MessageID        string `json:"messageId"`
		Timestamp        string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeMessage || decoded.Username != "Ana" ||
		decoded.EncryptedMessage != "ciphertext" || decoded.MessageID != "msg-1" {
		t.Fatalf("unexpected frame: %+v", decoded)
	}
	if decoded.Timestamp == "" {
		t.Fatal("message frames carry a timestamp")
	}
}

func TestErrorFrameShape(t *testing.T) {
	var decoded struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(errorFrame("Invalid username"), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeError || decoded.Message != "Invalid username" {
		t.Fatalf("unexpected frame: %+v", decoded)
	}
}
