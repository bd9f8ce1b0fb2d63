package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/ffmpeg"
	"github.com/cetrio/dss/internal/provider"
	"github.com/cetrio/dss/internal/rtmpstats"
)

// fakeProc exits when crashed or closed.
type fakeProc struct {
	pid      int
	done     chan struct{}
	exitOnce sync.Once
	killed   bool
	mu       sync.Mutex
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, done: make(chan struct{})}
}

func (p *fakeProc) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProc) Close() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exitOnce.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProc) Pid() int              { return p.pid }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

// crash simulates the child dying on its own.
func (p *fakeProc) crash() {
	p.exitOnce.Do(func() { close(p.done) })
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeRunner hands out fakeProcs and records every spawn.
type fakeRunner struct {
	mu      sync.Mutex
	procs   []*fakeProc
	nextPid int
	spawned chan *fakeProc
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{spawned: make(chan *fakeProc, 16), nextPid: 100}
}

func (r *fakeRunner) Run(id string, argv []string, mode string) (Process, error) {
	r.mu.Lock()
	r.nextPid++
	p := newFakeProc(r.nextPid)
	r.procs = append(r.procs, p)
	r.mu.Unlock()
	r.spawned <- p
	return p, nil
}

func (r *fakeRunner) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) awaitSpawn(t *testing.T) *fakeProc {
	t.Helper()
	select {
	case p := <-r.spawned:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no process spawned")
		return nil
	}
}

func testArgv() ([]string, error) {
	return []string{"ffmpeg", "-i", "in", "out"}, nil
}

func newTestStream(t *testing.T, r Runner, grace, reload time.Duration) *Stream {
	t.Helper()
	return NewStream("C1", testArgv, r, grace, reload, slog.Default())
}

func TestStreamRefCounting(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeRunner()
	s := newTestStream(t, r, 30*time.Millisecond, time.Millisecond)

	s.Inc(1, 0)
	p := r.awaitSpawn(t)
	assert.True(t, s.Alive())
	assert.Equal(t, 1, s.Clients())

	s.Inc(1, 0)
	assert.Equal(t, 2, s.Clients())
	assert.Equal(t, 1, r.spawnCount())

	s.Dec(false)
	assert.Equal(t, 1, s.Clients())
	time.Sleep(60 * time.Millisecond)
	assert.True(t, s.Alive())

	s.Dec(false)
	assert.Equal(t, 0, s.Clients())
	assert.Eventually(t, func() bool { return !s.Alive() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.wasKilled())

	s.ProcStop(true)
	s.Wait()
}

func TestStreamDecSaturatesAtZero(t *testing.T) {
	r := newFakeRunner()
	s := newTestStream(t, r, 10*time.Millisecond, time.Millisecond)

	s.Dec(false)
	assert.Equal(t, 0, s.Clients())
	assert.Equal(t, 0, r.spawnCount())
	s.ProcStop(true)
	s.Wait()
}

func TestStreamCrashRestart(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeRunner()
	s := newTestStream(t, r, time.Hour, time.Millisecond)

	s.Inc(1, 0)
	for i := 0; i < 3; i++ {
		p := r.awaitSpawn(t)
		p.crash()
	}
	r.awaitSpawn(t)

	assert.Equal(t, 4, r.spawnCount())
	assert.Equal(t, 3, s.Stats().Timed.DeathCount())
	assert.True(t, s.Alive())

	s.ProcStop(true)
	s.Wait()
}

func TestStreamGraceRevival(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeRunner()
	s := newTestStream(t, r, 80*time.Millisecond, time.Millisecond)

	s.Inc(1, 0)
	p := r.awaitSpawn(t)

	s.Dec(false)
	// A viewer returns inside the grace period.
	time.Sleep(20 * time.Millisecond)
	s.Inc(1, 0)

	time.Sleep(120 * time.Millisecond)
	assert.True(t, s.Alive())
	assert.False(t, p.wasKilled())
	assert.Equal(t, 1, r.spawnCount())

	s.ProcStop(true)
	s.Wait()
}

// holdProc stays in Wait after a kill until released, modeling a child
// that takes a while to be reaped.
type holdProc struct {
	pid     int
	killed  chan struct{}
	once    sync.Once
	release chan struct{}
}

func (p *holdProc) Wait() error {
	<-p.release
	return nil
}

func (p *holdProc) Close() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

func (p *holdProc) Pid() int              { return p.pid }
func (p *holdProc) Done() <-chan struct{} { return p.release }

func TestIncDuringTeardownRespawns(t *testing.T) {
	defer goleak.VerifyNone(t)

	first := &holdProc{pid: 101, killed: make(chan struct{}), release: make(chan struct{})}
	second := newFakeProc(102)
	var mu sync.Mutex
	spawns := 0
	runner := RunnerFunc(func(id string, argv []string, mode string) (Process, error) {
		mu.Lock()
		defer mu.Unlock()
		spawns++
		if spawns == 1 {
			return first, nil
		}
		return second, nil
	})

	s := NewStream("C1", testArgv, runner, 10*time.Millisecond, time.Millisecond, slog.Default())

	s.Inc(1, 0)
	require.Eventually(t, func() bool { return s.Pid() == 101 }, 2*time.Second, time.Millisecond)
	s.Dec(false)

	// The grace period expires and the process is killed, but its Wait
	// has not returned yet.
	select {
	case <-first.killed:
	case <-time.After(2 * time.Second):
		t.Fatal("process not killed after grace period")
	}

	// A viewer arrives inside that window; once the old child is
	// reaped, a new one must be spawned for it.
	s.Inc(1, 0)
	close(first.release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return spawns == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Pid() == 102 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Alive())
	assert.Equal(t, 1, s.Clients())

	s.ProcStop(true)
	s.Wait()
}

func TestHTTPPseudoClient(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeRunner()
	s := newTestStream(t, r, 20*time.Millisecond, time.Millisecond)

	s.Inc(0, 60*time.Millisecond)
	r.awaitSpawn(t)
	assert.Equal(t, 1, s.Clients())
	assert.True(t, s.Alive())

	// A refresh before expiry resets the countdown.
	time.Sleep(40 * time.Millisecond)
	s.Inc(0, 60*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, s.Clients())

	// No further refresh: expiry clears the client and the stream dies
	// after the grace period.
	assert.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.Alive() }, 2*time.Second, 5*time.Millisecond)

	s.ProcStop(true)
	s.Wait()
}

func testProviderRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	loader := &provider.Loader{
		Composer: &ffmpeg.Composer{Bin: "ffmpeg"},
		RTMP:     config.RTMPConfig{Addr: "rtmp://127.0.0.1", App: "live"},
		Logger:   slog.Default(),
	}
	registry, err := loader.Load(context.Background(), []config.ProviderConfig{{
		Name:       "cams",
		Identifier: "C",
		Access:     "rtsp://cams/{0}",
		Mode:       "numeric",
		Streams:    []string{"1", "2"},
	}})
	require.NoError(t, err)
	return registry
}

func TestRegistryGetValidatesID(t *testing.T) {
	r := NewRegistry(testProviderRegistry(t), newFakeRunner(), time.Millisecond, time.Millisecond, slog.Default())

	_, err := r.Get("X1")
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	_, err = r.Get("C9")
	assert.ErrorIs(t, err, provider.ErrUnknownStream)

	s, err := r.Get("C1")
	require.NoError(t, err)
	assert.Equal(t, "C1", s.ID)

	again, err := r.Get("C1")
	require.NoError(t, err)
	assert.Same(t, s, again)
}

func TestRegistryStartStopAndTerminate(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := newFakeRunner()
	r := NewRegistry(testProviderRegistry(t), runner, 10*time.Millisecond, time.Millisecond, slog.Default())

	require.NoError(t, r.Start("C1", 2, 0))
	runner.awaitSpawn(t)
	require.NoError(t, r.Start("C2", 1, 0))
	runner.awaitSpawn(t)

	assert.Len(t, r.Streams(), 2)
	assert.Len(t, r.StreamsForPrefix("C"), 2)

	require.NoError(t, r.Stop("C1"))
	assert.Equal(t, 1, r.Peek("C1").Clients())

	r.TerminateAll()
	assert.False(t, r.Peek("C1").Alive())
	assert.False(t, r.Peek("C2").Alive())

	assert.Error(t, r.Start("C1", 1, 0))
}

func TestRegistryBootstrap(t *testing.T) {
	defer goleak.VerifyNone(t)

	const statsXML = `<rtmp><server><application><name>live</name><live>
<stream><name>C1</name><nclients>2</nclients></stream>
<stream><name>C2</name><nclients>1</nclients><publishing/></stream>
<stream><name>zz9</name><nclients>4</nclients></stream>
</live></application></server></rtmp>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(statsXML))
	}))
	defer srv.Close()

	runner := newFakeRunner()
	r := NewRegistry(testProviderRegistry(t), runner, time.Millisecond, time.Millisecond, slog.Default())

	client := rtmpstats.NewClient(config.UpstreamConfig{Addr: srv.URL, StatURL: "/stat"})
	r.Bootstrap(context.Background(), client, "live")

	s := r.Peek("C1")
	require.NotNil(t, s)
	runner.awaitSpawn(t)
	assert.Equal(t, 2, s.Clients())

	// Publisher-only stream and unknown prefix are skipped.
	assert.Nil(t, r.Peek("C2"))
	assert.Nil(t, r.Peek("zz9"))

	r.TerminateAll()
}

func TestRegistryBootstrapUnreachable(t *testing.T) {
	runner := newFakeRunner()
	r := NewRegistry(testProviderRegistry(t), runner, time.Millisecond, time.Millisecond, slog.Default())

	client := rtmpstats.NewClient(config.UpstreamConfig{Addr: "http://127.0.0.1:1", StatURL: "/stat"})
	r.Bootstrap(context.Background(), client, "live")

	assert.Empty(t, r.Streams())
	assert.Equal(t, 0, runner.spawnCount())
}

func TestStreamSpawnFailureLeavesStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	failing := RunnerFunc(func(id string, argv []string, mode string) (Process, error) {
		return nil, errors.New("binary missing")
	})
	s := NewStream("C1", testArgv, failing, time.Millisecond, time.Millisecond, slog.Default())

	s.Inc(1, 0)
	assert.Eventually(t, func() bool { return !s.Alive() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Clients())

	s.ProcStop(true)
	s.Wait()
}
