package instance

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/claudio-ide/internal/agent"
	"github.com/Iron-Ham/claudio-ide/internal/config"
	"github.com/Iron-Ham/claudio-ide/internal/discovery"
	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/event"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
	"github.com/Iron-Ham/claudio-ide/internal/port"
	"github.com/Iron-Ham/claudio-ide/internal/router"
	"github.com/Iron-Ham/claudio-ide/internal/server"
	"github.com/Iron-Ham/claudio-ide/internal/session"
	"github.com/Iron-Ham/claudio-ide/internal/worktree"
)

// bindRetries bounds how often CreateSession asks for a new port after the
// server failed to bind the one it was given.
const bindRetries = 3

// Manager runs every session of one host process.
type Manager struct {
	cfg      *config.Config
	store    *session.Store
	alloc    *port.Allocator
	pub      *discovery.Publisher
	router   *router.Router
	resolver *worktree.Resolver
	launcher *agent.Launcher
	bus      *event.Bus
	logger   *logging.Logger

	mu      sync.Mutex
	watcher *discovery.Watcher
	servers map[string]*server.Server
	agents  map[string]agent.Handle
	// pending is closed when a session's creation finishes either way.
	pending map[string]chan struct{}
	// destroying is closed when a session's teardown finishes.
	destroying map[string]chan struct{}
	active     string
	started    bool
	closed     bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithBus sets the event bus shared by every component.
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithAllocator replaces the port allocator built from config.
func WithAllocator(a *port.Allocator) Option {
	return func(m *Manager) {
		m.alloc = a
	}
}

// WithPublisher replaces the discovery publisher built from config.
func WithPublisher(p *discovery.Publisher) Option {
	return func(m *Manager) {
		m.pub = p
	}
}

// WithResolver replaces the workdir resolver.
func WithResolver(r *worktree.Resolver) Option {
	return func(m *Manager) {
		m.resolver = r
	}
}

// WithLauncher replaces the agent launcher built from config.
func WithLauncher(l *agent.Launcher) Option {
	return func(m *Manager) {
		m.launcher = l
	}
}

// NewManager wires a Manager from cfg. It performs no I/O; call Start.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	m := &Manager{
		cfg:        cfg,
		servers:    make(map[string]*server.Server),
		agents:     make(map[string]agent.Handle),
		pending:    make(map[string]chan struct{}),
		destroying: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger)
	if m.bus == nil {
		m.bus = event.NewBus(event.WithLogger(m.logger))
	}

	if m.alloc == nil {
		a, err := port.NewAllocator(
			port.WithRange(cfg.Ports.Min, cfg.Ports.Max),
			port.WithMaxAttempts(cfg.Ports.MaxAttempts),
			port.WithHost(cfg.Ports.Host),
			port.WithLogger(m.logger),
		)
		if err != nil {
			return nil, err
		}
		m.alloc = a
	}
	if m.pub == nil {
		m.pub = discovery.NewPublisher(cfg.Discovery.Dir,
			discovery.WithTransport(cfg.Discovery.Transport),
			discovery.WithIDEName(cfg.Discovery.IDEName),
			discovery.WithBus(m.bus),
			discovery.WithLogger(m.logger),
		)
	}
	if m.resolver == nil {
		m.resolver = worktree.NewResolver(worktree.WithLogger(m.logger))
	}
	if m.launcher == nil {
		m.launcher = agent.NewLauncher(cfg.Agent.Command, cfg.Agent.Args, cfg.Agent.UseTmux, m.logger)
	}

	m.store = session.NewStore(
		session.WithLimit(cfg.Sessions.MaxConcurrent),
		session.WithBus(m.bus),
		session.WithLogger(m.logger),
	)
	m.router = router.New(m.logger)
	m.logger = m.logger.WithComponent("instance")
	return m, nil
}

// Start sweeps stale discovery records (when configured) and starts the
// discovery watcher. It must run before the first CreateSession so an
// orphaned record is gone before its port can be handed out again.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if m.cfg.Sessions.SweepOnStart {
		removed, err := m.pub.SweepStale()
		if err != nil {
			m.logger.Warn("stale discovery sweep incomplete", "error", err.Error())
		}
		if len(removed) > 0 {
			m.logger.Info("stale discovery records removed", "count", len(removed))
		}
		if m.cfg.Agent.UseTmux {
			m.reapOrphanedAgents()
		}
	}

	if m.cfg.Discovery.Watch {
		w, err := discovery.NewWatcher(m.pub, discovery.DefaultDebounce)
		if err != nil {
			// Records are still written and retracted; only self-healing is lost.
			m.logger.Warn("discovery watcher unavailable", "error", err.Error())
		} else {
			m.mu.Lock()
			m.watcher = w
			m.mu.Unlock()
		}
	}
	return nil
}

// Shutdown destroys every session concurrently, bounded by ctx, and stops
// the discovery watcher. The Manager refuses new sessions afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	_, err := m.KillSession(ctx, KillAll)
	if w != nil {
		w.Stop()
	}
	m.logger.Info("session host shut down")
	return err
}

// Bus returns the event bus sessions publish on.
func (m *Manager) Bus() *event.Bus {
	return m.bus
}

// Publisher returns the discovery publisher.
func (m *Manager) Publisher() *discovery.Publisher {
	return m.pub
}

// Resolver returns the workdir resolver.
func (m *Manager) Resolver() *worktree.Resolver {
	return m.resolver
}

// reapOrphanedAgents stops agents whose session has no live discovery record,
// which includes the sessions of any host that crashed. It runs after the
// stale sweep, so every remaining record belongs to a live host.
func (m *Manager) reapOrphanedAgents() {
	records, err := m.pub.List()
	if err != nil {
		m.logger.Warn("skipping orphaned agent cleanup", "error", err.Error())
		return
	}
	owned := make(map[string]bool, len(records))
	for _, rec := range records {
		if m.pub.Alive(rec.PID) {
			owned[rec.SessionID] = true
		}
	}
	reaped := agent.ReapOrphans(func(id string) bool { return owned[id] }, m.shutdownGrace(), m.logger)
	if len(reaped) > 0 {
		m.logger.Info("orphaned agents stopped", "count", len(reaped))
	}
}

func (m *Manager) shutdownGrace() time.Duration {
	if g := m.cfg.Sessions.ShutdownGrace(); g > 0 {
		return g
	}
	return 2 * time.Second
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) serverFor(id string) (*server.Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[id]
	return srv, ok
}

// forEach runs fn for every id on a bounded pool and joins the errors.
// Sessions that vanished in the meantime are not an error.
func forEach(ctx context.Context, ids []string, fn func(context.Context, string) error) error {
	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(8)
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			if err := fn(ctx, id); err != nil && !errors.Is(err, errors.ErrSessionNotFound) {
				return err
			}
			return nil
		})
	}
	return p.Wait()
}
