package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSharesOneFetchAcrossCohort(t *testing.T) {
	cf := NewCoalescedFetch()
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _, err := cf.Do("key", func() ([]byte, string, time.Duration, error) {
				calls.Add(1)
				time.Sleep(30 * time.Millisecond)
				return []byte("payload"), "text/plain", 0, nil
			})
			if err != nil {
				t.Error(err)
				return
			}
			if string(data) != "payload" {
				t.Errorf("got %q", data)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch ran %d times, want 1", got)
	}
}

func TestDoRetainsResultForTTL(t *testing.T) {
	cf := NewCoalescedFetch()
	var calls atomic.Int32
	fetch := func() ([]byte, string, time.Duration, error) {
		calls.Add(1)
		return []byte("cached"), "", 80 * time.Millisecond, nil
	}

	cf.Do("key", fetch)
	cf.Do("key", fetch)
	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch ran %d times within TTL, want 1", got)
	}

	time.Sleep(100 * time.Millisecond)
	cf.Do("key", fetch)
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch ran %d times after expiry, want 2", got)
	}
}

func TestDoZeroTTLNotRetained(t *testing.T) {
	cf := NewCoalescedFetch()
	var calls atomic.Int32
	fetch := func() ([]byte, string, time.Duration, error) {
		calls.Add(1)
		return []byte("once"), "", 0, nil
	}

	cf.Do("key", fetch)
	cf.Do("key", fetch)
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch ran %d times, want 2; zero TTL must not retain", got)
	}
}

func TestDoFailureNotRetained(t *testing.T) {
	cf := NewCoalescedFetch()
	boom := errors.New("upstream down")
	var calls atomic.Int32

	_, _, err := cf.Do("key", func() ([]byte, string, time.Duration, error) {
		calls.Add(1)
		return nil, "", time.Minute, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want fetch error", err)
	}

	data, _, err := cf.Do("key", func() ([]byte, string, time.Duration, error) {
		calls.Add(1)
		return []byte("ok"), "", time.Minute, nil
	})
	if err != nil || string(data) != "ok" {
		t.Fatalf("retry after failure: %q, %v", data, err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch ran %d times, want 2", got)
	}
}

func TestForgetDropsRetainedResult(t *testing.T) {
	cf := NewCoalescedFetch()
	var calls atomic.Int32
	fetch := func() ([]byte, string, time.Duration, error) {
		calls.Add(1)
		return []byte("v"), "", time.Minute, nil
	}

	cf.Do("key", fetch)
	cf.Forget("key")
	cf.Do("key", fetch)
	if got := calls.Load(); got != 2 {
		t.Errorf("fetch ran %d times after Forget, want 2", got)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	cf := NewCoalescedFetch()
	cf.Do("stale", func() ([]byte, string, time.Duration, error) {
		return []byte("s"), "", 10 * time.Millisecond, nil
	})
	cf.Do("fresh", func() ([]byte, string, time.Duration, error) {
		return []byte("f"), "", time.Minute, nil
	})

	time.Sleep(20 * time.Millisecond)
	cf.Sweep()

	if _, ok := cf.results.Load("stale"); ok {
		t.Error("expired result survived the sweep")
	}
	if _, ok := cf.results.Load("fresh"); !ok {
		t.Error("live result removed by the sweep")
	}
}
