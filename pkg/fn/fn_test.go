package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// --- slices ---

func TestMap(t *testing.T) {
	out := Map([]int{1, 2, 3}, strconv.Itoa)
	if len(out) != 3 || out[0] != "1" || out[2] != "3" {
		t.Fatalf("Map wrong: %v", out)
	}
}

func TestFilter(t *testing.T) {
	out := Filter([]int{1, 2, 3, 4}, func(v int) bool { return v%2 == 0 })
	if len(out) != 2 || out[0] != 2 || out[1] != 4 {
		t.Fatalf("Filter wrong: %v", out)
	}
}

func TestUniqueByKeepsFirst(t *testing.T) {
	type pair struct{ k, v string }
	out := UniqueBy([]pair{{"a", "1"}, {"b", "2"}, {"a", "3"}}, func(p pair) string { return p.k })
	if len(out) != 2 {
		t.Fatalf("expected 2, got %d", len(out))
	}
	if out[0].v != "1" {
		t.Errorf("first occurrence should win, got %q", out[0].v)
	}
}

func TestChunk(t *testing.T) {
	chunks := Chunk([]int{1, 2, 3, 4, 5}, 2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[2]) != 1 || chunks[2][0] != 5 {
		t.Errorf("last chunk wrong: %v", chunks[2])
	}
	if Chunk([]int{1}, 0) != nil {
		t.Error("n <= 0 should return nil")
	}
	if Chunk([]int(nil), 3) != nil {
		t.Error("empty input should return nil")
	}
}

// --- parallel ---

func TestParMapPreservesOrder(t *testing.T) {
	in := make([]int, 100)
	for i := range in {
		in[i] = i
	}
	out := ParMap(in, 8, func(v int) int { return v * 2 })
	for i, v := range out {
		if v != i*2 {
			t.Fatalf("out[%d] = %d", i, v)
		}
	}
}

func TestParMapBoundsConcurrency(t *testing.T) {
	var cur, peak atomic.Int32
	ParEach(make([]struct{}, 50), 4, func(struct{}) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		cur.Add(-1)
	})
	if p := peak.Load(); p > 4 {
		t.Fatalf("concurrency peaked at %d, want <= 4", p)
	}
}

// --- retry ---

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	var delays []time.Duration
	calls := 0
	v, err := Retry(context.Background(), RetryOpts{
		MaxAttempts: 5,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     time.Second,
		Sleep:       noSleep(&delays),
	}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("got %d, %v", v, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Errorf("delays wrong: %v", delays)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	calls := 0
	_, err := Retry(context.Background(), RetryOpts{
		MaxAttempts: 4,
		InitialWait: 10 * time.Millisecond,
		MaxWait:     time.Second,
		Sleep:       noSleep(&delays),
	}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})
	if err == nil || calls != 4 {
		t.Fatalf("expected 4 failing calls, got %d err %v", calls, err)
	}
	if len(delays) != 3 {
		t.Errorf("expected 3 sleeps, got %d", len(delays))
	}
}

func TestRetryBackoffMonotonicWithJitter(t *testing.T) {
	var delays []time.Duration
	_, _ = Retry(context.Background(), RetryOpts{
		MaxAttempts: 6,
		InitialWait: 300 * time.Millisecond,
		MaxWait:     8 * time.Second,
		Jitter:      true,
		Sleep:       noSleep(&delays),
	}, func(context.Context) (int, error) {
		return 0, errors.New("always")
	})
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("delay %d (%v) shrank below delay %d (%v)", i, delays[i], i-1, delays[i-1])
		}
	}
	for _, d := range delays {
		if d > 8*time.Second {
			t.Fatalf("delay %v exceeds cap", d)
		}
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("bad request")
	calls := 0
	_, err := Retry(context.Background(), RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		MaxWait:     time.Second,
		RetryIf:     func(err error) bool { return !errors.Is(err, fatal) },
	}, func(context.Context) (int, error) {
		calls++
		return 0, fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected single call with fatal error, got %d calls, %v", calls, err)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, RetryOpts{
		MaxAttempts: 3,
		InitialWait: time.Hour,
		MaxWait:     time.Hour,
	}, func(context.Context) (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
