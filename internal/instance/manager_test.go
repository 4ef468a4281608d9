package instance

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Iron-Ham/claudio-ide/internal/config"
	"github.com/Iron-Ham/claudio-ide/internal/discovery"
	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/event"
	"github.com/Iron-Ham/claudio-ide/internal/port"
	"github.com/Iron-Ham/claudio-ide/internal/protocol"
	"github.com/Iron-Ham/claudio-ide/internal/server"
	"github.com/Iron-Ham/claudio-ide/internal/session"
	"github.com/Iron-Ham/claudio-ide/internal/testutil"
	"github.com/Iron-Ham/claudio-ide/internal/worktree"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Discovery.Dir = filepath.Join(t.TempDir(), "ide")
	cfg.Discovery.Watch = false
	cfg.Sessions.ShutdownGraceMs = 200
	cfg.Agent.Command = "claudio-ide-test-agent-does-not-exist"
	cfg.Agent.UseTmux = false
	cfg.Logging.Dir = ""
	return cfg
}

func newManager(t *testing.T, cfg *config.Config, opts ...Option) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func workdir(t *testing.T) string {
	t.Helper()
	dir, err := worktree.Canonical(t.TempDir())
	require.NoError(t, err)
	return dir
}

func create(t *testing.T, m *Manager, dir string) *session.Session {
	t.Helper()
	sess, err := m.CreateSession(context.Background(), dir, CreateOptions{})
	require.NoError(t, err)
	return sess
}

// dialAgent connects to a session the way an agent does: from its
// discovery record.
func dialAgent(t *testing.T, m *Manager, id string) *websocket.Conn {
	t.Helper()
	rec, err := m.Publisher().Lookup(id)
	require.NoError(t, err)
	header := http.Header{}
	header.Set(server.AuthHeader, rec.AuthToken)
	ws, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:"+strconv.Itoa(rec.Port), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitState(t *testing.T, m *Manager, id string, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := m.Get(id)
		return err == nil && s.State == want
	}, 3*time.Second, 10*time.Millisecond, "session never reached %s", want)
}

func TestCreateSession_Running(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var transitions []string
	bus.Subscribe(event.TypeSessionStateChanged, func(e event.Event) {
		ev := e.(event.SessionStateChangedEvent)
		mu.Lock()
		transitions = append(transitions, ev.From+">"+ev.To)
		mu.Unlock()
	})

	m := newManager(t, nil, WithBus(bus))
	dir := workdir(t)
	sess := create(t, m, dir)

	assert.Equal(t, dir, sess.Workdir)
	assert.Equal(t, session.StateRunning, sess.State)
	assert.NotZero(t, sess.Port)
	assert.NotEmpty(t, sess.AuthToken)

	rec, err := m.Publisher().Lookup(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Port, rec.Port)
	assert.Equal(t, dir, rec.WorktreePath)
	assert.Equal(t, []string{dir}, rec.WorkspaceFolders)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, filepath.Join(m.Publisher().Dir(), discovery.FileName(sess.Port, sess.ID)), rec.Path)

	active, ok := m.GetActive()
	assert.True(t, ok)
	assert.Equal(t, sess.ID, active)

	mu.Lock()
	assert.Equal(t, []string{"created>starting", "starting>running"}, transitions)
	mu.Unlock()
}

func TestCreateSession_IdempotentPerWorkdir(t *testing.T) {
	m := newManager(t, nil)
	dir := workdir(t)

	first := create(t, m, dir)
	again := create(t, m, dir)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Port, again.Port)
	assert.Len(t, m.ListSessions(), 1)

	other := create(t, m, workdir(t))
	assert.NotEqual(t, first.ID, other.ID)
	assert.NotEqual(t, first.Port, other.Port)
}

func TestCreateSession_PathInsideWorktree(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	sub := filepath.Join(repo, "pkg", "deep")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	m := newManager(t, nil)
	root := create(t, m, repo)
	nested := create(t, m, sub)
	assert.Equal(t, root.ID, nested.ID)

	wt := testutil.AddWorktree(t, repo, "feature")
	second := create(t, m, wt)
	assert.NotEqual(t, root.ID, second.ID)

	found, err := m.SessionForPath(filepath.Join(sub, "file.go"))
	require.NoError(t, err)
	assert.Equal(t, root.ID, found.ID)
}

func TestCreateSession_ConcurrentSameWorkdir(t *testing.T) {
	m := newManager(t, nil)
	dir := workdir(t)

	var mu sync.Mutex
	ids := make(map[string]int)
	var wg conc.WaitGroup
	for range 8 {
		wg.Go(func() {
			sess, err := m.CreateSession(context.Background(), dir, CreateOptions{})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[sess.ID]++
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Len(t, m.ListSessions(), 1)
	records, err := m.Publisher().List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCreateSession_LimitExceeded(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.MaxConcurrent = 1
	m := newManager(t, cfg)

	existing := create(t, m, workdir(t))
	_, err := m.CreateSession(context.Background(), workdir(t), CreateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLimitExceeded)
	assert.Equal(t, errors.ExitLimitExceeded, errors.ExitCode(err))
	assert.Len(t, m.ListSessions(), 1)

	// The refusal leaves the existing session untouched.
	got, err := m.Get(existing.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, got.State)
	rec, err := m.Publisher().Lookup(existing.ID)
	require.NoError(t, err)
	assert.Equal(t, existing.Port, rec.Port)
	records, err := m.Publisher().List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCreateSession_ConcurrentDistinctWorkdirs(t *testing.T) {
	m := newManager(t, nil)

	const n = 6
	dirs := make([]string, n)
	for i := range dirs {
		dirs[i] = workdir(t)
	}

	var mu sync.Mutex
	ports := make(map[int]string)
	var wg conc.WaitGroup
	for _, dir := range dirs {
		wg.Go(func() {
			sess, err := m.CreateSession(context.Background(), dir, CreateOptions{})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ports[sess.Port] = sess.ID
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Len(t, ports, n, "two sessions share a port")
	assert.Len(t, m.ListSessions(), n)
	records, err := m.Publisher().List()
	require.NoError(t, err)
	require.Len(t, records, n)
	for _, rec := range records {
		assert.Equal(t, ports[rec.Port], rec.SessionID)
	}
}

func TestCreateSession_ParentPort(t *testing.T) {
	m := newManager(t, nil)
	parent := create(t, m, workdir(t))

	dir := workdir(t)
	child, err := m.CreateSession(context.Background(), dir, CreateOptions{ParentPort: parent.Port})
	require.NoError(t, err)
	assert.Equal(t, parent.Port, child.ParentPort)

	rec, err := m.Publisher().Lookup(child.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.Port, rec.ParentPort)
	data, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"parentPort":`+strconv.Itoa(parent.Port))

	// A top-level session leaves the field out entirely.
	rec, err = m.Publisher().Lookup(parent.ID)
	require.NoError(t, err)
	data, err = os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "parentPort")

	_, err = m.CreateSession(context.Background(), workdir(t), CreateOptions{ParentPort: 70000})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	assert.Len(t, m.ListSessions(), 2)
}

func TestCreateSession_MissingWorkdir(t *testing.T) {
	m := newManager(t, nil)
	_, err := m.CreateSession(context.Background(), filepath.Join(t.TempDir(), "nope"), CreateOptions{})
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Empty(t, m.ListSessions())
}

func TestCreateSession_PortExhaustedRollsBack(t *testing.T) {
	alloc, err := port.NewAllocator(
		port.WithRange(41000, 41010),
		port.WithMaxAttempts(5),
		port.WithProbe(func(string, int) error { return errors.New("in use") }),
	)
	require.NoError(t, err)
	m := newManager(t, nil, WithAllocator(alloc))

	_, err = m.CreateSession(context.Background(), workdir(t), CreateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPortExhausted)
	assert.Equal(t, errors.ExitPortExhausted, errors.ExitCode(err))
	assert.Empty(t, m.ListSessions())
	_, ok := m.GetActive()
	assert.False(t, ok)
}

func TestCreateSession_BindFailureRollsBack(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	// The probe claims the port is free; the server bind then loses the race.
	alloc, err := port.NewAllocator(
		port.WithRange(taken, taken),
		port.WithProbe(func(string, int) error { return nil }),
	)
	require.NoError(t, err)
	m := newManager(t, nil, WithAllocator(alloc))

	dir := workdir(t)
	_, err = m.CreateSession(context.Background(), dir, CreateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBindFailed)
	assert.Equal(t, errors.ExitBindFailed, errors.ExitCode(err))

	assert.Empty(t, m.ListSessions())
	assert.Empty(t, alloc.Reserved())
	records, err := m.Publisher().List()
	require.NoError(t, err)
	assert.Empty(t, records)

	// The workdir is free again once the port is.
	ln.Close()
	sess := create(t, m, dir)
	assert.Equal(t, taken, sess.Port)
}

func TestDestroySession_ReleasesEverything(t *testing.T) {
	bus := event.NewBus()
	activeChanges := make(chan event.ActiveSessionChangedEvent, 8)
	bus.Subscribe(event.TypeActiveSessionChanged, func(e event.Event) {
		activeChanges <- e.(event.ActiveSessionChangedEvent)
	})

	cfg := testConfig(t)
	alloc, err := port.NewAllocator(port.WithRange(cfg.Ports.Min, cfg.Ports.Max))
	require.NoError(t, err)
	m := newManager(t, cfg, WithBus(bus), WithAllocator(alloc))

	dir := workdir(t)
	sess := create(t, m, dir)
	<-activeChanges
	rec, err := m.Publisher().Lookup(sess.ID)
	require.NoError(t, err)

	require.NoError(t, m.DestroySession(context.Background(), sess.ID))

	_, err = m.Get(sess.ID)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
	assert.False(t, alloc.IsReserved(sess.Port))
	assert.NoFileExists(t, rec.Path)
	_, ok := m.GetActive()
	assert.False(t, ok)

	select {
	case ev := <-activeChanges:
		assert.Equal(t, sess.ID, ev.PreviousID)
		assert.Empty(t, ev.CurrentID)
	case <-time.After(time.Second):
		t.Fatal("active change not published")
	}

	// The server is gone.
	_, err = net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(sess.Port), 200*time.Millisecond)
	assert.Error(t, err)

	// A destroyed workdir can be claimed again.
	again := create(t, m, dir)
	assert.NotEqual(t, sess.ID, again.ID)

	assert.ErrorIs(t, m.DestroySession(context.Background(), sess.ID), errors.ErrSessionNotFound)
}

func TestDestroySession_ClosesAttachedAgents(t *testing.T) {
	m := newManager(t, nil)
	sess := create(t, m, workdir(t))
	ws := dialAgent(t, m, sess.ID)
	require.Eventually(t, func() bool {
		s, err := m.Get(sess.ID)
		return err == nil && s.ConnectedClients() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.DestroySession(context.Background(), sess.ID))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestKillSession(t *testing.T) {
	m := newManager(t, nil)
	a := create(t, m, workdir(t))
	b := create(t, m, workdir(t))
	c := create(t, m, workdir(t))

	_, err := m.KillSession(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)

	// Empty target is the active session, which is the first one created.
	killed, err := m.KillSession(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, killed)

	_, err = m.KillSession(context.Background(), "")
	assert.ErrorIs(t, err, errors.ErrNoActiveSession)

	killed, err = m.KillSession(context.Background(), KillAll)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, killed)
	assert.Empty(t, m.ListSessions())

	records, err := m.Publisher().List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSwitchActive(t *testing.T) {
	m := newManager(t, nil)
	a := create(t, m, workdir(t))
	b := create(t, m, workdir(t))

	id, ok := m.GetActive()
	require.True(t, ok)
	assert.Equal(t, a.ID, id)

	require.NoError(t, m.SwitchActive(b.ID))
	id, _ = m.GetActive()
	assert.Equal(t, b.ID, id)

	assert.ErrorIs(t, m.SwitchActive("missing"), errors.ErrSessionNotFound)
	id, _ = m.GetActive()
	assert.Equal(t, b.ID, id)

	// Activate moves an existing session to the front too.
	_, err := m.CreateSession(context.Background(), a.Workdir, CreateOptions{Activate: true})
	require.NoError(t, err)
	id, _ = m.GetActive()
	assert.Equal(t, a.ID, id)

	var activeRows int
	for _, info := range m.ListSessions() {
		if info.Active {
			activeRows++
			assert.Equal(t, a.ID, info.ID)
		}
	}
	assert.Equal(t, 1, activeRows)
}

func TestSendToSession(t *testing.T) {
	m := newManager(t, nil)
	a := create(t, m, workdir(t))
	b := create(t, m, workdir(t))

	_, err := m.SendToSession(a.ID, "selection_changed", json.RawMessage(`{"line":1}`))
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	wsA := dialAgent(t, m, a.ID)
	wsB := dialAgent(t, m, b.ID)
	require.Eventually(t, func() bool {
		sa, _ := m.Get(a.ID)
		sb, _ := m.Get(b.ID)
		return sa.ConnectedClients() == 1 && sb.ConnectedClients() == 1
	}, 2*time.Second, 10*time.Millisecond)

	n, err := m.SendToSession(a.ID, "selection_changed", json.RawMessage(`{"line":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, wsA.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := wsA.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "selection_changed", msg.Method)
	assert.JSONEq(t, `{"line":1}`, string(msg.Params))

	// The other session's agent saw nothing.
	require.NoError(t, wsB.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = wsB.ReadMessage()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	_, err = m.SendToSession(a.ID, "", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = m.SendToSession(a.ID, "x", json.RawMessage(`{`))
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = m.SendToSession("missing", "x", nil)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestMessages_InboundFromAgent(t *testing.T) {
	m := newManager(t, nil)
	a := create(t, m, workdir(t))
	b := create(t, m, workdir(t))

	ws := dialAgent(t, m, a.ID)
	for _, method := range []string{"first", "second"} {
		note, err := protocol.NewNotification(method, nil)
		require.NoError(t, err)
		data, err := protocol.Encode(note)
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
	}

	q, err := m.Messages(a.ID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, want := range []string{"first", "second"} {
		in, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, a.ID, in.SessionID)
		assert.Equal(t, want, in.Message.Method)
	}

	qb, err := m.Messages(b.ID)
	require.NoError(t, err)
	assert.Zero(t, qb.Len())

	_, err = m.Messages("missing")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestHeartbeatLossDegradesSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HeartbeatIntervalMs = 50
	cfg.Server.HeartbeatTimeoutMs = 100
	m := newManager(t, cfg)
	sess := create(t, m, workdir(t))

	// A client that never reads never answers pings.
	dialAgent(t, m, sess.ID)
	waitState(t, m, sess.ID, session.StateDegraded)

	ws := dialAgent(t, m, sess.ID)
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitState(t, m, sess.ID, session.StateRunning)

	require.NoError(t, m.DestroySession(context.Background(), sess.ID))
	readers.Wait()
}

func TestCleanCloseKeepsSessionRunning(t *testing.T) {
	m := newManager(t, nil)
	sess := create(t, m, workdir(t))
	ws := dialAgent(t, m, sess.ID)
	require.Eventually(t, func() bool {
		s, _ := m.Get(sess.ID)
		return s.ConnectedClients() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool {
		s, _ := m.Get(sess.ID)
		return s.ConnectedClients() == 0
	}, 2*time.Second, 10*time.Millisecond)

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, got.State)
}

func TestImmediateCloseLeavesNoConnection(t *testing.T) {
	bus := event.NewBus()
	var attached, detached sync.WaitGroup
	const n = 10
	attached.Add(n)
	detached.Add(n)
	bus.Subscribe(event.TypeConnectionAttached, func(event.Event) { attached.Done() })
	bus.Subscribe(event.TypeConnectionDetached, func(event.Event) { detached.Done() })

	m := newManager(t, nil, WithBus(bus))
	sess := create(t, m, workdir(t))

	// Each client hangs up as soon as its handshake completes.
	for range n {
		ws := dialAgent(t, m, sess.ID)
		require.NoError(t, ws.Close())
	}

	done := make(chan struct{})
	go func() {
		attached.Wait()
		detached.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not every connection was attached and detached")
	}

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConnectedClients())
	assert.Zero(t, m.ListSessions()[0].Clients)
}

func TestAgentEnv(t *testing.T) {
	m := newManager(t, nil)
	a := create(t, m, workdir(t))
	b := create(t, m, workdir(t))

	env, err := m.AgentEnv(b.ID)
	require.NoError(t, err)
	assert.Contains(t, env, "CLAUDE_CODE_SSE_PORT="+strconv.Itoa(b.Port))
	assert.Contains(t, env, "CLAUDIO_IDE_SESSION_ID="+b.ID)
	assert.Contains(t, env, "CLAUDIO_IDE_WORKTREE="+b.Workdir)
	assert.NotContains(t, env, "CLAUDE_CODE_SSE_PORT="+strconv.Itoa(a.Port))

	// Empty id is the active session.
	env, err = m.AgentEnv("")
	require.NoError(t, err)
	assert.Contains(t, env, "CLAUDIO_IDE_SESSION_ID="+a.ID)
}

func TestLaunchAgent_MissingCommandKeepsSession(t *testing.T) {
	m := newManager(t, nil)
	sess, err := m.CreateSession(context.Background(), workdir(t), CreateOptions{LaunchAgent: true})
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, sess.State)

	_, err = m.LaunchAgent(sess.ID)
	assert.Error(t, err)
	assert.Empty(t, m.ListSessions()[0].Agent)
}

func TestSessionForPath_Unknown(t *testing.T) {
	m := newManager(t, nil)
	create(t, m, workdir(t))
	_, err := m.SessionForPath(t.TempDir())
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestStart_SweepsStaleRecords(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Discovery.Dir, 0o700))
	stale := discovery.Record{
		PID:          99_999_999,
		SessionID:    "dead-session",
		WorktreePath: "/gone",
		Port:         41999,
		Transport:    "ws",
	}
	data, err := stale.Encode()
	require.NoError(t, err)
	path := filepath.Join(cfg.Discovery.Dir, discovery.FileName(stale.Port, stale.SessionID))
	require.NoError(t, os.WriteFile(path, data, 0o600))

	newManager(t, cfg)
	assert.NoFileExists(t, path)
}

func TestShutdown(t *testing.T) {
	cfg := testConfig(t)
	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start())

	create(t, m, workdir(t))
	create(t, m, workdir(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.ListSessions())

	records, err := m.Publisher().List()
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = m.CreateSession(context.Background(), workdir(t), CreateOptions{})
	assert.ErrorIs(t, err, errors.ErrServerStopped)
}
