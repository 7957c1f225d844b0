package hub

import (
	"context"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
)

// attach registers a connectionless client for inspecting the send channel.
func attach(t *testing.T, h *Hub, buffer int) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan Message, buffer)}
	select {
	case h.register <- c:
	case <-time.After(time.Second):
		t.Fatal("register blocked")
	}
	return c
}

func runHub(t *testing.T, h *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)

	deadline := time.Now().Add(time.Second)
	for !h.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("hub did not start")
		}
		time.Sleep(time.Millisecond)
	}
	return cancel
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case m, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHub_BroadcastFanOut(t *testing.T) {
	h := New("test")
	runHub(t, h)

	a := attach(t, h, 4)
	b := attach(t, h, 4)
	waitClients(t, h, 2)

	h.BroadcastBinary([]byte{1, 2, 3})

	for _, c := range []*Client{a, b} {
		m := receive(t, c)
		if m.Type != BinaryMessage || len(m.Data) != 3 {
			t.Errorf("message = %+v", m)
		}
	}
}

func TestHub_BroadcastJSON(t *testing.T) {
	h := New("test")
	runHub(t, h)
	c := attach(t, h, 4)
	waitClients(t, h, 1)

	if err := h.BroadcastJSON(map[string]string{"status": "streaming"}); err != nil {
		t.Fatalf("BroadcastJSON() error = %v", err)
	}
	m := receive(t, c)
	if m.Type != JSONMessage || string(m.Data) != `{"status":"streaming"}` {
		t.Errorf("message = %s", m.Data)
	}

	if err := h.BroadcastJSON(make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestHub_ReplayLatest(t *testing.T) {
	h := New("status", WithReplay())
	runHub(t, h)

	h.BroadcastJSON(map[string]int{"seq": 1})
	h.BroadcastJSON(map[string]int{"seq": 2})

	// Let the hub process both broadcasts before the late joiner arrives.
	deadline := time.Now().Add(time.Second)
	for {
		h.mu.RLock()
		last := h.last
		h.mu.RUnlock()
		if last != nil && string(last.Data) == `{"seq":2}` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("latest message not retained")
		}
		time.Sleep(time.Millisecond)
	}

	late := attach(t, h, 4)
	m := receive(t, late)
	if string(m.Data) != `{"seq":2}` {
		t.Errorf("replayed %s, want seq 2", m.Data)
	}
}

func TestHub_NoReplayByDefault(t *testing.T) {
	h := New("camera")
	runHub(t, h)

	h.BroadcastBinary([]byte("frame"))
	time.Sleep(10 * time.Millisecond)

	c := attach(t, h, 4)
	select {
	case m := <-c.send:
		t.Errorf("unexpected replay: %v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := New("test")
	runHub(t, h)

	slow := attach(t, h, 1)
	fast := attach(t, h, 16)
	waitClients(t, h, 2)

	for i := 0; i < 3; i++ {
		h.BroadcastBinary([]byte{byte(i)})
	}
	waitClients(t, h, 1)

	if h.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", h.Dropped())
	}

	// The slow client's channel is closed after its buffered message.
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("slow client channel should be closed")
	}
	for i := 0; i < 3; i++ {
		receive(t, fast)
	}
}

func TestHub_Unregister(t *testing.T) {
	h := New("test")
	runHub(t, h)

	c := attach(t, h, 4)
	waitClients(t, h, 1)
	h.unregister <- c
	waitClients(t, h, 0)

	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed on unregister")
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	h := New("test")
	cancel := runHub(t, h)

	c := attach(t, h, 4)
	waitClients(t, h, 1)
	cancel()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("client not closed on hub stop")
	}

	// Registration after stop does not block.
	if NewClient(h, nil) != nil {
		t.Error("NewClient should return nil on a stopped hub")
	}
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	h := New("idle") // not running

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.BroadcastBinary([]byte{1})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked with no hub loop")
	}
}

func TestEncodeJSON(t *testing.T) {
	msg, err := EncodeJSON(map[string]string{"status": "streaming"})
	if err != nil {
		t.Fatalf("EncodeJSON() error = %v", err)
	}
	if msg.Type != JSONMessage || string(msg.Data) != `{"status":"streaming"}` {
		t.Errorf("EncodeJSON() = %v %q", msg.Type, msg.Data)
	}
	if _, err := EncodeJSON(make(chan int)); err == nil {
		t.Error("EncodeJSON(chan) should fail")
	}
}

func TestMessageFrameType(t *testing.T) {
	if got := NewJSONMessage(nil).frameType(); got != websocket.TextMessage {
		t.Errorf("json frameType() = %d, want text", got)
	}
	if got := NewBinaryMessage([]byte{0xff, 0xd8}).frameType(); got != websocket.BinaryMessage {
		t.Errorf("binary frameType() = %d, want binary", got)
	}
}
