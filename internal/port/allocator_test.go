package port

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/Iron-Ham/claudio-ide/internal/errors"
)

func freeProbe(string, int) error { return nil }

func TestNewAllocator_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"inverted range", []Option{WithRange(20000, 10000)}},
		{"zero min", []Option{WithRange(0, 100)}},
		{"max too large", []Option{WithRange(10000, 70000)}},
		{"no attempts", []Option{WithMaxAttempts(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAllocator(tt.opts...)
			if !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("NewAllocator() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestAcquire_WithinRange(t *testing.T) {
	a, err := NewAllocator(WithRange(30000, 30009), WithProbe(freeProbe))
	if err != nil {
		t.Fatal(err)
	}

	for range 10 {
		p, err := a.Acquire()
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if p < 30000 || p > 30009 {
			t.Errorf("Acquire() = %d, outside range", p)
		}
	}
	if len(a.Reserved()) != 10 {
		t.Errorf("Reserved() = %v", a.Reserved())
	}
}

func TestAcquire_NeverReturnsReservedPort(t *testing.T) {
	// Candidate generator always offers the same port first.
	calls := 0
	intn := func(n int) int {
		calls++
		if calls <= 2 {
			return 0
		}
		return 1
	}
	a, err := NewAllocator(WithRange(40000, 40001), WithProbe(freeProbe), WithRand(intn))
	if err != nil {
		t.Fatal(err)
	}

	first, err := a.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("Acquire() returned %d twice", first)
	}
}

func TestAcquire_SkipsBusyPorts(t *testing.T) {
	busy := map[int]bool{50000: true, 50001: true}
	probe := func(_ string, p int) error {
		if busy[p] {
			return fmt.Errorf("address already in use")
		}
		return nil
	}
	next := 0
	intn := func(n int) int {
		v := next % n
		next++
		return v
	}
	a, err := NewAllocator(WithRange(50000, 50005), WithProbe(probe), WithRand(intn))
	if err != nil {
		t.Fatal(err)
	}

	p, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if p != 50002 {
		t.Errorf("Acquire() = %d, want 50002", p)
	}
}

func TestAcquire_Exhausted(t *testing.T) {
	probe := func(string, int) error { return fmt.Errorf("in use") }
	a, err := NewAllocator(WithRange(50000, 50100), WithProbe(probe), WithMaxAttempts(5))
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.Acquire()
	if !errors.Is(err, errors.ErrPortExhausted) {
		t.Fatalf("Acquire() error = %v, want ErrPortExhausted", err)
	}
	var perr *errors.PortError
	if !errors.As(err, &perr) || perr.Attempts != 5 {
		t.Errorf("expected PortError with 5 attempts, got %#v", err)
	}
	if errors.ExitCode(err) != errors.ExitPortExhausted {
		t.Errorf("ExitCode() = %d", errors.ExitCode(err))
	}
}

func TestAcquire_FullRangeStopsEarly(t *testing.T) {
	a, err := NewAllocator(WithRange(50000, 50000), WithProbe(freeProbe), WithMaxAttempts(1000))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Acquire(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Acquire(); !errors.Is(err, errors.ErrPortExhausted) {
		t.Errorf("second Acquire() error = %v, want ErrPortExhausted", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	a, err := NewAllocator(WithRange(50000, 50000), WithProbe(freeProbe))
	if err != nil {
		t.Fatal(err)
	}
	p, err := a.Acquire()
	if err != nil {
		t.Fatal(err)
	}

	a.Release(p)
	a.Release(p)
	a.Release(12345)

	if a.IsReserved(p) {
		t.Error("port still reserved after Release")
	}
	again, err := a.Acquire()
	if err != nil || again != p {
		t.Errorf("re-Acquire() = %d, %v; want %d", again, err, p)
	}
}

func TestAcquire_ConcurrentUnique(t *testing.T) {
	a, err := NewAllocator(WithRange(50000, 50063), WithProbe(freeProbe), WithMaxAttempts(10000))
	if err != nil {
		t.Fatal(err)
	}

	const n = 64
	ports := make(chan int, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			p, err := a.Acquire()
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			ports <- p
		})
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for p := range ports {
		if seen[p] {
			t.Errorf("port %d handed out twice", p)
		}
		seen[p] = true
	}
	if len(seen) != n {
		t.Errorf("got %d distinct ports, want %d", len(seen), n)
	}
}

func TestBindProbe_DetectsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(portStr)

	if err := bindProbe("127.0.0.1", p); err == nil {
		t.Error("bindProbe should fail on a port held by a listener")
	}
}

func TestAcquire_RealProbeSkipsHeldPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	held, _ := strconv.Atoi(portStr)

	a, err := NewAllocator(WithRange(held, held), WithMaxAttempts(3))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Acquire(); !errors.Is(err, errors.ErrPortExhausted) {
		t.Errorf("Acquire() error = %v, want ErrPortExhausted", err)
	}
}
