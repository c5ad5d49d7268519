package bus

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	msg := Message{
		Method:      "set",
		URI:         "/meter1/voltage",
		ReplyTo:     "reply-123",
		ProcessName: "gateway",
		Username:    "",
		Body:        []byte(`{"value":120.5}`),
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteMessage(w, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Method != msg.Method || got.URI != msg.URI || got.ReplyTo != msg.ReplyTo ||
		got.ProcessName != msg.ProcessName || got.Username != msg.Username {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
	if !bytes.Equal(got.Body, msg.Body) {
		t.Fatalf("body mismatch: got %q, want %q", got.Body, msg.Body)
	}
}

func TestReadMessageEmptyFields(t *testing.T) {
	msg := Message{Method: "get", URI: "/x", Body: []byte("{}")}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteMessage(w, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ReplyTo != "" || got.ProcessName != "" || got.Username != "" {
		t.Fatalf("expected empty optional fields, got %+v", got)
	}
}

func TestReadMessageRejectsImplausibleSize(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	h := header{BodyLen: 1 << 30}
	if err := writeHeader(w, h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	w.Flush()

	if _, err := ReadMessage(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected an error for an implausibly large frame")
	}
}
