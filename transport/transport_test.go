package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// newWSServer runs handler for a single websocket connection and returns a
// ws:// URL for dialing it.
func newWSServer(t *testing.T, handler func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		handler(context.Background(), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain keeps the server side alive until the client goes away.
func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func readMsg(ctx context.Context, t *testing.T, c *websocket.Conn) outboundMsg {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var msg outboundMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("server unmarshal: %v", err)
	}
	return msg
}

func sendMsg(ctx context.Context, t *testing.T, c *websocket.Conn, msg inboundMsg) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func waitEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestDialSendsContextFirst(t *testing.T) {
	gotContext := make(chan outboundMsg, 1)
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		msg := readMsg(ctx, t, c)
		gotContext <- msg
		sendMsg(ctx, t, c, inboundMsg{Type: "transcription-delta", Text: "Hel"})
		sendMsg(ctx, t, c, inboundMsg{Type: "transcription-delta", Text: "lo "})
		sendMsg(ctx, t, c, inboundMsg{Type: "transcription", Text: "Goodbye"})
		drain(ctx, c)
	})

	s, err := Dial(context.Background(), Config{
		URL:            url,
		Token:          "tok",
		ResumeText:     "resume body",
		JobDescription: "backend role",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	msg := <-gotContext
	if msg.Type != "set-context" {
		t.Fatalf("first message type = %q, want set-context", msg.Type)
	}
	if msg.ResumeText != "resume body" || msg.JobDescription != "backend role" {
		t.Errorf("context payload = %+v", msg)
	}

	for i, want := range []Event{
		{Type: EventDelta, Text: "Hel"},
		{Type: EventDelta, Text: "lo "},
		{Type: EventTranscription, Text: "Goodbye"},
	} {
		got := waitEvent(t, s)
		if got.Type != want.Type || got.Text != want.Text {
			t.Errorf("event %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestFramesForwardedInOrder(t *testing.T) {
	frames := make(chan outboundMsg, 2)
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		readMsg(ctx, t, c) // set-context
		frames <- readMsg(ctx, t, c)
		frames <- readMsg(ctx, t, c)
		drain(ctx, c)
	})

	s, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	first := []byte{1, 2, 3, 4}
	second := []byte{5, 6, 7, 8}
	if err := s.SendFrame(first); err != nil {
		t.Fatal(err)
	}
	if err := s.SendFrame(second); err != nil {
		t.Fatal(err)
	}

	for i, want := range [][]byte{first, second} {
		select {
		case msg := <-frames:
			if msg.Type != "audio-chunk" {
				t.Errorf("frame %d type = %q", i, msg.Type)
			}
			if msg.MimeType != "audio/pcm" {
				t.Errorf("frame %d mimeType = %q", i, msg.MimeType)
			}
			if string(msg.Audio) != string(want) {
				t.Errorf("frame %d payload = %v, want %v", i, msg.Audio, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestRecoverableErrorSuppressed(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		readMsg(ctx, t, c)
		sendMsg(ctx, t, c, inboundMsg{Type: "error", Message: "backend overloaded, please retry"})
		sendMsg(ctx, t, c, inboundMsg{Type: "error", Message: "quota exceeded"})
		drain(ctx, c)
	})

	s, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got := waitEvent(t, s)
	if got.Type != EventError || got.Message != "quota exceeded" {
		t.Errorf("event = %+v, want the non-recoverable error only", got)
	}
}

func TestInfoMessagesProduceNoEvents(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		readMsg(ctx, t, c)
		sendMsg(ctx, t, c, inboundMsg{Type: "context-set"})
		sendMsg(ctx, t, c, inboundMsg{Type: "chunk-received"})
		sendMsg(ctx, t, c, inboundMsg{Type: "transcription-delta", Text: "after info"})
		drain(ctx, c)
	})

	s, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got := waitEvent(t, s)
	if got.Type != EventDelta || got.Text != "after info" {
		t.Errorf("event = %+v, want the delta following the info messages", got)
	}
}

func TestServerDisconnectSurfacesOnce(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		readMsg(ctx, t, c)
		c.Close(websocket.StatusGoingAway, "bye")
	})

	s, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got := waitEvent(t, s)
	if got.Type != EventDisconnected {
		t.Fatalf("event = %+v, want disconnected", got)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("expected events channel to close after disconnect")
	}
}

func TestCloseIdempotent(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, c *websocket.Conn) {
		readMsg(ctx, t, c)
		drain(ctx, c)
	})

	s, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatal(err)
	}

	s.Close()
	s.Close()

	if err := s.SendFrame([]byte{1}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SendFrame after close = %v, want ErrUnavailable", err)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, Config{URL: "ws://127.0.0.1:1/stream"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}
