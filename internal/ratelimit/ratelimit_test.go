package ratelimit

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// --- Config tests ---

func TestEnabled(t *testing.T) {
	tests := []struct {
		name  string
		limit Limit
		want  bool
	}{
		{"zero", Limit{}, false},
		{"zero max", Limit{MaxRequests: 0, Window: time.Minute}, false},
		{"zero window", Limit{MaxRequests: 10}, false},
		{"configured", Limit{MaxRequests: 10, Window: time.Minute}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.limit.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- Check tests ---

func TestCheckUnderLimit(t *testing.T) {
	if r := Check(4, Limit{MaxRequests: 5, Window: time.Minute}); r.Exceeded {
		t.Error("expected not exceeded")
	}
}

func TestCheckAtLimit(t *testing.T) {
	r := Check(5, Limit{MaxRequests: 5, Window: time.Minute})
	if !r.Exceeded {
		t.Fatal("expected exceeded")
	}
	if r.Current != 5 || r.Limit != 5 {
		t.Errorf("unexpected result %+v", r)
	}
	if !strings.Contains(r.Reason, "5/5 requests in 1m0s window") {
		t.Errorf("unexpected reason %q", r.Reason)
	}
}

// --- Limiter tests ---

func TestAllowCountsPerKey(t *testing.T) {
	l := New(Limit{MaxRequests: 2, Window: time.Minute})
	now := time.Now()

	for i := 0; i < 2; i++ {
		if r := l.Allow("a", now); r.Exceeded {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if r := l.Allow("a", now); !r.Exceeded {
		t.Error("third request should exceed")
	}
	if r := l.Allow("b", now); r.Exceeded {
		t.Error("other keys have their own window")
	}
}

func TestAllowWindowResets(t *testing.T) {
	l := New(Limit{MaxRequests: 1, Window: time.Minute})
	now := time.Now()

	l.Allow("a", now)
	if r := l.Allow("a", now.Add(30*time.Second)); !r.Exceeded {
		t.Error("expected exceeded inside the window")
	}
	if r := l.Allow("a", now.Add(time.Minute)); r.Exceeded {
		t.Error("expected a new window after expiry")
	}
}

func TestAllowDisabled(t *testing.T) {
	var nilLimiter *Limiter
	if r := nilLimiter.Allow("a", time.Now()); r.Exceeded {
		t.Error("nil limiter should allow")
	}
	l := New(Limit{})
	for i := 0; i < 100; i++ {
		if r := l.Allow("a", time.Now()); r.Exceeded {
			t.Fatal("disabled limiter should allow")
		}
	}
}

func TestForget(t *testing.T) {
	l := New(Limit{MaxRequests: 1, Window: time.Minute})
	now := time.Now()
	l.Allow("a", now)
	l.Allow("b", now.Add(50*time.Second))

	l.Forget(now.Add(time.Minute))
	if len(l.windows) != 1 {
		t.Errorf("expected 1 live window, got %d", len(l.windows))
	}
	if _, ok := l.windows["b"]; !ok {
		t.Error("live window b should be kept")
	}
}

func TestAllowConcurrent(t *testing.T) {
	l := New(Limit{MaxRequests: 50, Window: time.Hour})
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r := l.Allow("a", now); !r.Exceeded {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Errorf("expected exactly 50 allowed, got %d", allowed)
	}
}
