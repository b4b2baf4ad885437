package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mihome-go/internal/device"

	"nhooyr.io/websocket"
)

// startHub runs a hub that is stopped when the test ends.
func startHub(t *testing.T) *WSHub {
	hub := NewWSHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func powerFrame(name string, on bool) wsFrame {
	return wsFrame{Type: string(device.EventPowerState), Device: name, State: &deviceView{Name: name, On: on}}
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func joinHub(t *testing.T, hub *WSHub, buf int) *wsClient {
	t.Helper()
	c := &wsClient{send: make(chan []byte, buf)}
	want := hub.Clients() + 1
	hub.register <- c
	waitFor(t, "registration", func() bool { return hub.Clients() == want })
	return c
}

func TestWSHubClientCount(t *testing.T) {
	hub := startHub(t)
	a := joinHub(t, hub, 4)
	joinHub(t, hub, 4)

	hub.unregister <- a
	waitFor(t, "unregister", func() bool { return hub.Clients() == 1 })
	if _, open := <-a.send; open {
		t.Error("queue of unregistered client left open")
	}

	stranger := &wsClient{send: make(chan []byte, 1)}
	hub.unregister <- stranger
	stranger.send <- nil // still open, or this would panic
	if n := hub.Clients(); n != 1 {
		t.Errorf("clients = %d, want 1", n)
	}
}

func TestWSHubFansOutPowerFrames(t *testing.T) {
	hub := startHub(t)
	lamp := joinHub(t, hub, 4)
	panel := joinHub(t, hub, 4)

	hub.Broadcast(powerFrame("Vac1", true))

	for name, c := range map[string]*wsClient{"lamp": lamp, "panel": panel} {
		select {
		case msg := <-c.send:
			var got wsFrame
			if err := json.Unmarshal(msg, &got); err != nil {
				t.Fatal(err)
			}
			if got.Type != "power_state" || got.Device != "Vac1" || got.State == nil || !got.State.On {
				t.Errorf("%s got %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Errorf("%s got no frame", name)
		}
	}
}

func TestWSHubEvictsLaggingClient(t *testing.T) {
	hub := startHub(t)
	lagging := joinHub(t, hub, 1)
	keeping := joinHub(t, hub, 8)

	hub.Broadcast(powerFrame("Vac1", true))
	hub.Broadcast(powerFrame("Vac1", false))
	waitFor(t, "eviction", func() bool { return hub.Clients() == 1 })

	hub.mu.RLock()
	_, stillThere := hub.clients[keeping]
	hub.mu.RUnlock()
	if !stillThere {
		t.Error("client with room in its queue was evicted")
	}
	<-lagging.send
	if _, open := <-lagging.send; open {
		t.Error("evicted client queue left open")
	}
}

func TestWSHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewWSHub(testLogger()) // not running: nothing drains the queue

	done := make(chan struct{})
	go func() {
		for i := 0; i <= wsQueueSize; i++ {
			hub.Broadcast(powerFrame("Vac1", i%2 == 0))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := startHub(t)
	c := joinHub(t, hub, 4)

	hub.Stop()
	hub.Stop()

	select {
	case _, open := <-c.send:
		if open {
			t.Error("client queue open after stop")
		}
	case <-time.After(time.Second):
		t.Error("client queue not closed after stop")
	}
}

func dialStream(t *testing.T, env *testEnv) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(env.server)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	for env.server.wsHub.Clients() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	return conn, ctx
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) wsFrame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var f wsFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestWSStartsWithSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.registry.SetPowerState("Vac1", true)

	conn, ctx := dialStream(t, env)

	snap := readFrame(t, ctx, conn)
	if snap.Type != frameSnapshot {
		t.Fatalf("first frame type = %q, want snapshot", snap.Type)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].Name != "Vac1" || !snap.Devices[0].On {
		t.Errorf("snapshot devices = %+v", snap.Devices)
	}
	if want := env.server.events.Seq(); snap.Seq != want {
		t.Errorf("snapshot seq = %d, want %d", snap.Seq, want)
	}
}

func TestWSStreamsRegistryEvents(t *testing.T) {
	env := newTestEnv(t)
	conn, ctx := dialStream(t, env)
	snap := readFrame(t, ctx, conn)

	env.registry.Upsert(device.Definition{Name: "Vac2", IP: "10.0.0.2", Charge: "DD"})

	got := readFrame(t, ctx, conn)
	if got.Type != "device_added" || got.Device != "Vac2" {
		t.Fatalf("frame = %+v, want device_added Vac2", got)
	}
	if got.Seq != snap.Seq+1 {
		t.Errorf("seq = %d, want %d", got.Seq, snap.Seq+1)
	}
	if got.State == nil || got.State.IP != "10.0.0.2" || !got.State.CanCharge {
		t.Errorf("state = %+v", got.State)
	}

	env.registry.Remove("Vac2")
	got = readFrame(t, ctx, conn)
	if got.Type != "device_removed" || got.Device != "Vac2" || got.State != nil {
		t.Errorf("frame = %+v, want device_removed Vac2 without state", got)
	}
}

func TestWSIdentifyFrameCarriesAction(t *testing.T) {
	env := newTestEnv(t)
	conn, ctx := dialStream(t, env)
	readFrame(t, ctx, conn)

	if err := env.server.ctrl.Identify(ctx, "Vac1"); err != nil {
		t.Fatal(err)
	}

	got := readFrame(t, ctx, conn)
	if got.Type != "identify" || got.Action != "identify" || got.State == nil || got.State.Name != "Vac1" {
		t.Errorf("frame = %+v", got)
	}
}
