package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var upgrader = websocket.Upgrader{}

// wsPair spins up a server registering every connection on b, and
// returns a connected client.
func wsPair(t *testing.T, b *Broadcaster) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		b.Register(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastDeliversToAllClients(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	b := NewBroadcaster("mobile_location", slog.Default())
	b.Start()
	defer b.Stop()

	c1 := wsPair(t, b)
	c2 := wsPair(t, b)

	b.Broadcast(map[string]any{"name": "abc", "info": "finished"})

	for _, conn := range []*websocket.Conn{c1, c2} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "abc", msg["name"])
		assert.Equal(t, "finished", msg["info"])
	}
}

func TestStopDeliversQueuedMessages(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	b := NewBroadcaster("mobile_location", slog.Default())
	b.Start()

	conn := wsPair(t, b)

	const n = 100
	for i := 0; i < n; i++ {
		b.Broadcast(map[string]any{"seq": i})
	}
	b.Stop()

	// Every message queued before Stop arrives, in order.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for i := 0; i < n; i++ {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, float64(i), msg["seq"])
	}

	// Messages queued after Stop are dropped.
	b.Broadcast(map[string]any{"seq": n})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var msg map[string]any
	assert.Error(t, conn.ReadJSON(&msg))
}

func TestBroadcastSkipsUnregistered(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	b := NewBroadcaster("mobile_location", slog.Default())
	b.Start()
	defer b.Stop()

	conn := wsPair(t, b)
	client := func() *Client {
		for _, c := range b.snapshot() {
			return c
		}
		return nil
	}()
	require.NotNil(t, client)

	b.Unregister(client)
	b.Broadcast(json.RawMessage(`{"x":1}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var msg map[string]any
	assert.Error(t, conn.ReadJSON(&msg))
}

func TestDirectClientWrite(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	b := NewBroadcaster("mobile_location", slog.Default())
	b.Start()
	defer b.Stop()

	conn := wsPair(t, b)
	require.NotEmpty(t, b.snapshot())
	client := b.snapshot()[0]

	require.NoError(t, client.WriteJSON(map[string]string{"request": "all"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]string
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "all", msg["request"])
}

func TestHub(t *testing.T) {
	h := NewHub(slog.Default())

	b, err := h.Register("mobile_location")
	require.NoError(t, err)
	assert.Same(t, b, h.Select("mobile_location"))

	_, err = h.Register("mobile_location")
	assert.Error(t, err)

	assert.Nil(t, h.Select("missing"))

	h.StopAll()
}
