package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func recv(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case raw := <-c.Send:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient([]string{"queue:a"})

	hub.Register(c)
	if hub.ClientCount() != 1 || hub.TopicCount("queue:a") != 1 {
		t.Fatalf("expected 1 client on queue:a, got %d/%d", hub.ClientCount(), hub.TopicCount("queue:a"))
	}

	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount("queue:a") != 0 {
		t.Fatalf("expected no clients, got %d/%d", hub.ClientCount(), hub.TopicCount("queue:a"))
	}
	if _, ok := <-c.Send; ok {
		t.Error("expected Send to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(c)
}

func TestHub_PublishOnlyToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := newClient([]string{"queue:a"})
	other := newClient([]string{"queue:b"})
	hub.Register(sub)
	hub.Register(other)

	if err := hub.Publish(context.Background(), Event{Type: "queue.changed", Topic: "queue:a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev := recv(t, sub)
	if ev.Type != "queue.changed" || ev.Topic != "queue:a" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected the timestamp to be stamped")
	}
	select {
	case <-other.Send:
		t.Error("queue:b subscriber should not receive queue:a events")
	default:
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient(nil)
	hub.Register(c)

	hub.process(c, ClientMessage{Action: "subscribe", Topics: []string{"queue:a", "queue:b", "queue:a"}})
	if len(c.Topics) != 2 {
		t.Fatalf("expected duplicate topics to collapse, got %v", c.Topics)
	}
	if hub.TopicCount("queue:b") != 1 {
		t.Fatalf("expected a subscriber on queue:b")
	}

	hub.process(c, ClientMessage{Action: "unsubscribe", Topics: []string{"queue:a"}})
	if hub.TopicCount("queue:a") != 0 || len(c.Topics) != 1 || c.Topics[0] != "queue:b" {
		t.Fatalf("unexpected topics after unsubscribe: %v", c.Topics)
	}

	hub.process(c, ClientMessage{Action: "shout", Topics: []string{"queue:c"}})
	if hub.TopicCount("queue:c") != 0 {
		t.Error("unknown actions must be ignored")
	}
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient([]string{"queue:a"})
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*2; i++ {
			_ = hub.Publish(context.Background(), Event{Type: "queue.changed", Topic: "queue:a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow client")
	}
	if len(c.Send) != sendBuffer {
		t.Errorf("expected a full buffer of %d, got %d", sendBuffer, len(c.Send))
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient([]string{"queue:a"})
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Event{Type: "queue.changed", Topic: "queue:a"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected all clients gone, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), []string{"*"})
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)

	if err := h.Connect(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-upgrade request, got %d", rec.Code)
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, []string{"https://board.example"}).RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?topic=queue:a"

	// Disallowed origin.
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected the dial to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	ws, _, err := gorillawebsocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://board.example"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("queue:a") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Subscribe to a second topic over the socket.
	if err := ws.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"queue:b"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for hub.TopicCount("queue:b") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = hub.Publish(context.Background(), Event{Type: "queue.changed", Topic: "queue:b", Data: json.RawMessage(`{"n":1}`)})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != "queue:b" || string(ev.Data) != `{"n":1}` {
		t.Errorf("unexpected event %+v", ev)
	}

	ws.Close()
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline.Add(2 * time.Second)) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
