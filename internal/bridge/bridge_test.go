package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture[int]()
	if f.Resolved() {
		t.Fatal("new future should be unresolved")
	}
	if !f.Resolve(1) {
		t.Fatal("first resolve should win")
	}
	if f.Resolve(2) {
		t.Error("second resolve must be dropped")
	}

	v, err := f.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if v != 1 {
		t.Errorf("value = %d, want 1", v)
	}
	if !f.Resolved() {
		t.Error("expected resolved")
	}
}

func TestFutureConcurrentResolveSingleWinner(t *testing.T) {
	f := NewFuture[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.Resolve(i) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins)
	}
}

func TestFutureWaitTimeout(t *testing.T) {
	f := NewFuture[string]()
	if _, err := f.Wait(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrTimedOut) {
		t.Errorf("expected ErrTimedOut, got %v", err)
	}
}

func TestFutureWaitContext(t *testing.T) {
	f := NewFuture[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFutureResolvedFromOtherGoroutine(t *testing.T) {
	f := NewFuture[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Resolve("done")
	}()
	v, err := f.Wait(context.Background(), 0)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if v != "done" {
		t.Errorf("value = %q", v)
	}
}

func TestMailboxDeliverWithoutReceiver(t *testing.T) {
	var m Mailbox[int]
	if m.Deliver(1) {
		t.Error("no receiver: value should be discarded")
	}
}

func TestMailboxDeliverAttached(t *testing.T) {
	var m Mailbox[int]
	ch, detach := m.Attach(1)
	defer detach()

	if !m.Deliver(7) {
		t.Fatal("expected delivery")
	}
	if v := <-ch; v != 7 {
		t.Errorf("received %d, want 7", v)
	}
}

func TestMailboxFullBufferDiscards(t *testing.T) {
	var m Mailbox[int]
	_, detach := m.Attach(1)
	defer detach()

	if !m.Deliver(1) {
		t.Fatal("expected first delivery")
	}
	if m.Deliver(2) {
		t.Error("full buffer should discard")
	}
}

func TestMailboxDetachThenDeliver(t *testing.T) {
	var m Mailbox[int]
	ch, detach := m.Attach(1)
	detach()
	detach()

	if m.Attached() {
		t.Error("expected detached")
	}
	if m.Deliver(1) {
		t.Error("delivery after detach should fail")
	}
	if _, open := <-ch; open {
		t.Error("detached channel should be closed")
	}
}

func TestMailboxReattachClosesPrevious(t *testing.T) {
	var m Mailbox[int]
	first, detachFirst := m.Attach(1)
	second, detachSecond := m.Attach(1)
	defer detachSecond()

	if _, open := <-first; open {
		t.Error("previous receiver should be closed")
	}

	detachFirst() // stale detach must not close the new receiver
	if !m.Deliver(3) {
		t.Fatal("expected delivery to the new receiver")
	}
	if v := <-second; v != 3 {
		t.Errorf("received %d, want 3", v)
	}
}
