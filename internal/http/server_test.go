package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/ffmpeg"
	"github.com/cetrio/dss/internal/mobile"
	"github.com/cetrio/dss/internal/models"
	"github.com/cetrio/dss/internal/provider"
	"github.com/cetrio/dss/internal/supervisor"
	"github.com/cetrio/dss/internal/ws"
)

// fakeProc stays alive until killed.
type fakeProc struct {
	done chan struct{}
	once sync.Once
}

func (p *fakeProc) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProc) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProc) Pid() int              { return 4242 }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

type fakeRunner struct{}

func (fakeRunner) Run(id string, argv []string, mode string) (supervisor.Process, error) {
	return &fakeProc{done: make(chan struct{})}, nil
}

// fakeMobileRepo serves the websocket's active-session listing.
type fakeMobileRepo struct {
	active []*models.MobileStream
}

func (f *fakeMobileRepo) StartSession(context.Context, string) (string, error) { return "", nil }
func (f *fakeMobileRepo) AppendPosition(context.Context, string, models.Position) error {
	return nil
}
func (f *fakeMobileRepo) EndSession(context.Context, string) error     { return nil }
func (f *fakeMobileRepo) DeactivateAll(context.Context) (int64, error) { return 0, nil }
func (f *fakeMobileRepo) GetByID(context.Context, string) (*models.MobileStream, error) {
	return nil, nil
}

func (f *fakeMobileRepo) Active(context.Context) ([]*models.MobileStream, error) {
	return f.active, nil
}

type fixture struct {
	srv     *Server
	streams *supervisor.Registry
	hub     *ws.Hub
	ts      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()

	loader := &provider.Loader{
		Composer: &ffmpeg.Composer{Bin: "ffmpeg"},
		RTMP:     config.RTMPConfig{Addr: "rtmp://127.0.0.1", App: "live"},
		Logger:   logger,
	}
	providers, err := loader.Load(context.Background(), []config.ProviderConfig{
		{
			Name:       "Cameras",
			Identifier: "C",
			Access:     "rtsp://cams.example.com/cam{0}",
			OutputOpt:  "-c copy -f flv",
			Mode:       "numeric",
			Streams:    []string{"1", "5"},
		},
	})
	require.NoError(t, err)

	streams := supervisor.NewRegistry(providers, fakeRunner{}, 10*time.Millisecond, time.Millisecond, logger)
	t.Cleanup(streams.TerminateAll)

	hub := ws.NewHub(logger)
	_, err = hub.Register(mobile.LocationChannel)
	require.NoError(t, err)
	t.Cleanup(hub.StopAll)

	srv := NewServer(
		config.ServerConfig{
			HTTPClientTimeout:    30 * time.Second,
			HTTPClientTimeoutMin: 5 * time.Second,
			HTTPClientTimeoutMax: 120 * time.Second,
		},
		Deps{
			Streams:   streams,
			Providers: providers,
			Mobile:    &fakeMobileRepo{active: []*models.MobileStream{{ID: "aabbccddeeff001122334455", Active: true}}},
			Hub:       hub,
		},
		logger,
	)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{srv: srv, streams: streams, hub: hub, ts: ts}
}

func (f *fixture) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestControlStartStop(t *testing.T) {
	f := newFixture(t)

	code, _ := f.get(t, "/control/C1/start")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, f.streams.IsAlive("C1"))

	code, _ = f.get(t, "/control/C1/stop")
	assert.Equal(t, http.StatusOK, code)
	assert.Eventually(t, func() bool { return !f.streams.IsAlive("C1") },
		5*time.Second, 5*time.Millisecond)
}

func TestControlUnknownStream(t *testing.T) {
	f := newFixture(t)

	code, _ := f.get(t, "/control/C99/start")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.get(t, "/control/Z1/start")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestControlHTTPKeepalive(t *testing.T) {
	f := newFixture(t)

	code, _ := f.get(t, "/control/C1/http/60")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, f.streams.IsAlive("C1"))

	s, err := f.streams.Get("C1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Clients())
}

func TestControlPublishCycle(t *testing.T) {
	f := newFixture(t)

	// Not alive yet: the publisher is refused.
	code, _ := f.get(t, "/control/C1/publish_start")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.get(t, "/control/C1/start")
	require.Equal(t, http.StatusOK, code)

	code, _ = f.get(t, "/control/C1/publish_start")
	assert.Equal(t, http.StatusOK, code)

	s, err := f.streams.Get("C1")
	require.NoError(t, err)
	assert.Equal(t, "on", s.Stats().Timed.Status().String())

	code, _ = f.get(t, "/control/C1/publish_stop")
	assert.Equal(t, http.StatusOK, code)
}

func TestStatsSingleStream(t *testing.T) {
	f := newFixture(t)

	code, _ := f.get(t, "/control/C1/start")
	require.Equal(t, http.StatusOK, code)

	code, body := f.get(t, "/stats/C1")
	require.Equal(t, http.StatusOK, code)

	var rep map[string]any
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(t, float64(1), rep["clients"])
	assert.Equal(t, true, rep["alive"])
	assert.Equal(t, float64(4242), rep["pid"])
	assert.Contains(t, rep, "uptime_ratio")
}

func TestStatsFieldSelection(t *testing.T) {
	f := newFixture(t)

	code, _ := f.get(t, "/control/C1/start")
	require.Equal(t, http.StatusOK, code)

	// A single field yields the bare value.
	code, body := f.get(t, "/stats/C1/clients")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1", strings.TrimSpace(string(body)))

	code, body = f.get(t, "/stats/C1/clients,alive")
	require.Equal(t, http.StatusOK, code)
	var sel map[string]any
	require.NoError(t, json.Unmarshal(body, &sel))
	assert.Len(t, sel, 2)

	code, _ = f.get(t, "/stats/C1/bogus")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatsProviderPrefix(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/stats/C")
	require.Equal(t, http.StatusOK, code)

	var all map[string]map[string]any
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, 2)
	assert.Contains(t, all, "C1")
	assert.Contains(t, all, "C5")
	assert.Equal(t, "stopped", all["C1"]["status"])
}

func TestStatsUnknown(t *testing.T) {
	f := newFixture(t)

	code, _ := f.get(t, "/stats/Z1")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInfoRoutes(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/info/provider")
	require.Equal(t, http.StatusOK, code)
	var list []map[string]string
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Cameras", list[0]["name"])
	assert.Equal(t, "C", list[0]["id"])

	code, body = f.get(t, "/info/provider/C")
	require.Equal(t, http.StatusOK, code)
	var catalog []map[string]string
	require.NoError(t, json.Unmarshal(body, &catalog))
	assert.Len(t, catalog, 2)

	code, _ = f.get(t, "/info/provider/Z")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.get(t, "/info/stream/C5")
	require.Equal(t, http.StatusOK, code)
	var data map[string]string
	require.NoError(t, json.Unmarshal(body, &data))
	assert.Equal(t, "C5", data["stream"])

	code, _ = f.get(t, "/info/stream/C99")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMobileLocationWebsocket(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/mobile/location"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg struct {
		Request string           `json:"request"`
		Content []map[string]any `json:"content"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "all", msg.Request)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "M_aabbccddeeff001122334455", msg.Content[0]["name"])

	// Any inbound message refreshes the snapshot.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("refresh")))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "all", msg.Request)

	// A session broadcast reaches the client.
	f.hub.Select(mobile.LocationChannel).Broadcast(map[string]any{
		"name": "M_aabbccddeeff001122334455",
		"info": "finished",
	})
	var raw map[string]any
	require.NoError(t, conn.ReadJSON(&raw))
	assert.Equal(t, "finished", raw["info"])
}
