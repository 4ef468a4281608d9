// Package port hands out TCP ports for session servers.
//
// An Allocator picks random candidates in a configured range, confirms each
// one with a real bind so ports held by unrelated processes are skipped, and
// remembers what it has handed out until Release. All calls serialize on one
// mutex, so concurrent session creations never receive the same port.
package port

import (
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
	"github.com/Iron-Ham/claudio-ide/internal/logging"
)

// Default range and attempt bound.
const (
	DefaultMin         = 10000
	DefaultMax         = 65535
	DefaultMaxAttempts = 100
	DefaultHost        = "127.0.0.1"
)

// ProbeFunc reports whether host:port can currently be bound.
type ProbeFunc func(host string, port int) error

// Allocator reserves ports within [min, max].
type Allocator struct {
	mu       sync.Mutex
	min      int
	max      int
	attempts int
	host     string
	reserved map[int]struct{}
	probe    ProbeFunc
	intn     func(n int) int
	logger   *logging.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRange sets the inclusive port range.
func WithRange(min, max int) Option {
	return func(a *Allocator) {
		a.min, a.max = min, max
	}
}

// WithMaxAttempts bounds how many candidates Acquire probes.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		a.attempts = n
	}
}

// WithHost sets the interface candidates are probed on.
func WithHost(host string) Option {
	return func(a *Allocator) {
		a.host = host
	}
}

// WithProbe replaces the bind probe. Tests use it to simulate busy ports.
func WithProbe(probe ProbeFunc) Option {
	return func(a *Allocator) {
		a.probe = probe
	}
}

// WithRand replaces the candidate generator; intn must return a value in [0, n).
func WithRand(intn func(n int) int) Option {
	return func(a *Allocator) {
		a.intn = intn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// NewAllocator creates an Allocator. Without options it uses 10000-65535 on
// the loopback interface with 100 attempts.
func NewAllocator(opts ...Option) (*Allocator, error) {
	a := &Allocator{
		min:      DefaultMin,
		max:      DefaultMax,
		attempts: DefaultMaxAttempts,
		host:     DefaultHost,
		reserved: make(map[int]struct{}),
		probe:    bindProbe,
		intn:     rand.IntN,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrNop(a.logger).WithComponent("port")

	if a.min < 1 || a.max > 65535 || a.min > a.max {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid port range %d-%d", a.min, a.max)).
			WithField("ports")
	}
	if a.attempts < 1 {
		return nil, errors.NewValidationError("max attempts must be at least 1").
			WithField("ports.max_attempts").
			WithValue(a.attempts)
	}
	return a, nil
}

// Acquire reserves a port that was bindable at the moment of the probe.
// It fails with ErrPortExhausted once the attempt bound is spent.
//
// The probe listener is closed before Acquire returns, so another process can
// still take the port before the session server binds it; that surfaces as
// ErrBindFailed from the server.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.min + 1
	var lastErr error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		if len(a.reserved) >= span {
			break
		}
		candidate := a.min + a.intn(span)
		if _, taken := a.reserved[candidate]; taken {
			continue
		}
		if err := a.probe(a.host, candidate); err != nil {
			lastErr = err
			a.logger.Debug("port busy", "port", candidate, "attempt", attempt, "error", err.Error())
			continue
		}
		a.reserved[candidate] = struct{}{}
		a.logger.Debug("port acquired", "port", candidate, "attempt", attempt)
		return candidate, nil
	}

	args := []any{"min", a.min, "max", a.max, "attempts", a.attempts, "reserved", len(a.reserved)}
	if lastErr != nil {
		args = append(args, "last_error", lastErr.Error())
	}
	a.logger.Warn("port range exhausted", args...)
	return 0, errors.NewPortError(fmt.Sprintf("no free port in %d-%d", a.min, a.max), errors.ErrPortExhausted).
		WithAttempts(a.attempts)
}

// Release returns port to the pool. Releasing an unknown or already
// released port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reserved[port]; !ok {
		return
	}
	delete(a.reserved, port)
	a.logger.Debug("port released", "port", port)
}

// Reserved returns the currently reserved ports in ascending order.
func (a *Allocator) Reserved() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	ports := make([]int, 0, len(a.reserved))
	for p := range a.reserved {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

// IsReserved reports whether port is currently handed out.
func (a *Allocator) IsReserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[port]
	return ok
}

// Host returns the interface ports are probed on.
func (a *Allocator) Host() string {
	return a.host
}

func bindProbe(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
