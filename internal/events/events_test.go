package events

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var ts = time.Date(2024, 12, 2, 9, 15, 0, 0, time.UTC)

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus(16)
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	for i := 0; i < 10; i++ {
		bus.Publish(New(OrderFilled, ts, map[string]any{"n": i}))
	}

	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 10; i++ {
			ev := <-sub.C()
			if ev.Payload["n"] != i {
				t.Fatalf("%s: event %d has n=%v", sub.Name(), i, ev.Payload["n"])
			}
		}
	}
}

func TestBus_DropsOldestWhenFull(t *testing.T) {
	bus := NewBus(3)
	sub := bus.Subscribe("slow")

	for i := 0; i < 5; i++ {
		bus.Publish(New(PositionUpdated, ts, map[string]any{"n": i}))
	}

	if got := sub.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
	var got []any
	for i := 0; i < 3; i++ {
		got = append(got, (<-sub.C()).Payload["n"])
	}
	want := []any{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("buffer = %v, want %v", got, want)
		}
	}
}

func TestBus_DefaultCapacity(t *testing.T) {
	if c := NewBus(0).Capacity(); c != DefaultCapacity {
		t.Errorf("capacity = %d, want %d", c, DefaultCapacity)
	}
}

func TestBus_PublishStampsMissingFields(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe("x")
	bus.Publish(Event{Type: OrderPlaced})
	ev := <-sub.C()
	if ev.ID == "" || ev.Timestamp.IsZero() || ev.Payload == nil {
		t.Errorf("event not stamped: %+v", ev)
	}
}

func TestBus_CloseAndUnsubscribe(t *testing.T) {
	bus := NewBus(4)
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	a.Close()
	if n := bus.SubscriberCount(); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}
	if _, ok := <-a.C(); ok {
		t.Error("closed subscription still open")
	}

	bus.Close()
	if _, ok := <-b.C(); ok {
		t.Error("bus close did not close subscription")
	}
	bus.Publish(New(OrderPlaced, ts, nil))

	late := bus.Subscribe("late")
	if _, ok := <-late.C(); ok {
		t.Error("subscription on closed bus should be closed")
	}
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	bus := NewBus(DefaultCapacity)
	sub := bus.Subscribe("all")

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(New(OrderPlaced, ts, map[string]any{"p": p, "i": i}))
			}
		}(p)
	}
	wg.Wait()

	last := map[any]int{}
	for i := 0; i < 400; i++ {
		ev := <-sub.C()
		p, n := ev.Payload["p"], ev.Payload["i"].(int)
		if prev, ok := last[p]; ok && n <= prev {
			t.Fatalf("publisher %v out of order: %d after %d", p, n, prev)
		}
		last[p] = n
	}
}

func TestStreamHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := NewBus(8)
	r := gin.New()
	r.GET("/stream", StreamHandler(bus))
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/stream?types=order_filled"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	bus.Publish(New(OrderPlaced, ts, map[string]any{"order_id": "ORD_1"}))
	bus.Publish(New(OrderFilled, ts, map[string]any{"order_id": "ORD_1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != OrderFilled {
		t.Errorf("type = %s, want %s", ev.Type, OrderFilled)
	}
	if fmt.Sprint(ev.Payload["order_id"]) != "ORD_1" {
		t.Errorf("payload = %v", ev.Payload)
	}
}
