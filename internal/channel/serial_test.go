package channel

import (
	"sync"
	"testing"
	"time"
)

func TestSerialQueue_OrderPerKeyConcurrentAcrossKeys(t *testing.T) {
	q := newSerialQueue(testLogger())

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	record := func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}

	release := make(chan struct{})
	wg.Add(4)
	q.Do("a", func() { defer wg.Done(); <-release; record("a1") })
	q.Do("a", func() { defer wg.Done(); record("a2") })
	q.Do("a", func() { defer wg.Done(); panic("boom") })
	q.Do("b", func() { defer wg.Done(); record("b1") })

	// b must not wait behind the stalled a1.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("key b was blocked by key a")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"b1", "a1", "a2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	// The worker for a survives the panic and then exits.
	for deadline := time.Now().Add(2 * time.Second); !q.idle(); {
		if time.Now().After(deadline) {
			t.Fatal("queue never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
	done := make(chan struct{})
	q.Do("a", func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("key a stuck after a panicking job")
	}
}
