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

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, sendBuffer)}
}

func recvEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return Event{}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("client-1", "studies")

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("studies") != 1 {
		t.Fatalf("after register: clients=%d studies=%d", hub.ClientCount(), hub.TopicCount("studies"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("studies") != 0 {
		t.Fatalf("after unregister: clients=%d studies=%d", hub.ClientCount(), hub.TopicCount("studies"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	subscriber := newClient("sub-1", "studies")
	other := newClient("other-1", "archives")
	hub.Register(subscriber)
	hub.Register(other)

	hub.Broadcast("studies", Event{Type: "new_study", Topic: "studies", ResourceType: "Study", ResourceID: "abc123"})

	if ev := recvEvent(t, subscriber); ev.Type != "new_study" || ev.ResourceID != "abc123" {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case <-other.Send:
		t.Fatal("non-subscriber should not have received event")
	default:
	}
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{"studies"}, Send: make(chan []byte, 1)}
	hub.Register(slow)

	hub.Broadcast("studies", Event{Type: "a"})
	hub.Broadcast("studies", Event{Type: "b"})

	if hub.Dropped() != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", hub.Dropped())
	}
	if ev := recvEvent(t, slow); ev.Type != "a" {
		t.Errorf("expected first event to be kept, got %s", ev.Type)
	}
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("c")
	hub.Register(client)

	hub.Subscribe(client, []string{"studies", "studies", "archives"})
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}
	if hub.TopicCount("studies") != 1 {
		t.Fatalf("expected 1 on studies, got %d", hub.TopicCount("studies"))
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("process-1", "studies")
	hub.Register(client)

	var sub ClientMessage
	if err := json.Unmarshal([]byte(`{"action":"subscribe","topics":["archives"]}`), &sub); err != nil {
		t.Fatal(err)
	}
	hub.ProcessMessage(client, sub)
	if hub.TopicCount("archives") != 1 {
		t.Fatalf("expected 1 on archives, got %d", hub.TopicCount("archives"))
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"studies"}})
	if hub.TopicCount("studies") != 0 {
		t.Fatalf("expected 0 on studies, got %d", hub.TopicCount("studies"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "archives" {
		t.Fatalf("client topics = %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus"})
}

func TestHub_Notify(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("n", "studies")
	hub.Register(client)

	payload := map[string]any{"orthancStudyId": "abc123", "instanceCount": 8}
	if err := hub.Notify(context.Background(), "studies", "new_study", "Study", "abc123", payload); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	ev := recvEvent(t, client)
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	var data map[string]any
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	if data["orthancStudyId"] != "abc123" || data["instanceCount"] != float64(8) {
		t.Errorf("data = %v", data)
	}
}

func TestHub_NotifyRejectsUnmarshalablePayload(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	if err := hub.Notify(context.Background(), "studies", "x", "Study", "", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestHub_ConcurrentRegisterBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		c := newClient("c", "studies")
		go func() {
			defer wg.Done()
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast("studies", Event{Type: "study_list_changed"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestTopicsFromQuery(t *testing.T) {
	if got := topicsFromQuery("", []string{"studies"}); len(got) != 1 || got[0] != "studies" {
		t.Errorf("defaults = %v", got)
	}
	if got := topicsFromQuery(" archives , ,studies", []string{"x"}); len(got) != 2 || got[0] != "archives" {
		t.Errorf("parsed = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestWebSocketHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewWebSocketHandler(NewHub(zerolog.Nop()), "studies")
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = handler.HandleConnect(c)
	if rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("plain HTTP request must not be upgraded")
	}
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewWebSocketHandler(hub, "studies")

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("studies") < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("studies") != 1 {
		t.Fatal("expected client on default topic after connect")
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"archives"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	for hub.TopicCount("archives") < 1 && time.Now().Before(deadline.Add(time.Second)) {
		time.Sleep(10 * time.Millisecond)
	}

	_ = hub.Notify(context.Background(), "archives", "archive_ready", "Study", "abc123", nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "archive_ready" || received.ResourceID != "abc123" {
		t.Fatalf("unexpected event %+v", received)
	}
}
