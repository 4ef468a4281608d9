package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func inbound(id string) Inbound {
	return Inbound{SessionID: "s1", ConnectionID: id}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(inbound(id)); err != nil {
			t.Fatal(err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.ConnectionID != want {
			t.Errorf("Pop() = %q, want %q", got.ConnectionID, want)
		}
	}
}

func TestQueue_PushNeverBlocks(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10000 {
			_ = q.Push(inbound("x"))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Push blocked with no consumer")
	}
	if q.Len() != 10000 {
		t.Errorf("Len() = %d", q.Len())
	}
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := NewQueue()
	got := make(chan Inbound, 1)
	go func() {
		msg, err := q.Pop(context.Background())
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_ = q.Push(inbound("late"))

	select {
	case msg := <-got:
		if msg.ConnectionID != "late" {
			t.Errorf("got %q", msg.ConnectionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake")
	}
}

func TestQueue_PopHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop() error = %v, want deadline exceeded", err)
	}
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue()
	_ = q.Push(inbound("a"))
	q.Close()
	q.Close()

	if err := q.Push(inbound("b")); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Close = %v, want ErrClosed", err)
	}
	msg, err := q.Pop(context.Background())
	if err != nil || msg.ConnectionID != "a" {
		t.Errorf("Pop() = %v, %v; want queued message", msg, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Pop on drained closed queue = %v, want ErrClosed", err)
	}
}

func TestQueue_CloseWakesAllWaiters(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("waiter got %v, want ErrClosed", err)
		}
	}
}

func TestQueue_ConcurrentConsumersSeeEachMessageOnce(t *testing.T) {
	q := NewQueue()
	const n = 500

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := q.Pop(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[int(msg.ReceivedAt.UnixNano())]++
				mu.Unlock()
			}
		}()
	}

	for i := range n {
		_ = q.Push(Inbound{ReceivedAt: time.Unix(0, int64(i))})
	}
	for q.Len() > 0 {
		time.Sleep(time.Millisecond)
	}
	q.Close()
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("consumed %d distinct messages, want %d", len(seen), n)
	}
	for i, c := range seen {
		if c != 1 {
			t.Errorf("message %d consumed %d times", i, c)
		}
	}
}
