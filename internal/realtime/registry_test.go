package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/invitewave/project/internal/contracts"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []contracts.Event
	err    error
	closed bool
}

func (c *fakeConn) Send(_ context.Context, event contracts.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, event)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestRegistry_RegisterAndSnapshot(t *testing.T) {
	r := NewRegistry()
	c1 := &fakeConn{}
	c2 := &fakeConn{}

	r.Register("contact-1", c1)
	r.Register("contact-1", c2)
	r.Register("contact-1", c2) // duplicate registration is a no-op

	if got := len(r.ConnectionsOf("contact-1")); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
	if got := r.Connections(); got != 2 {
		t.Fatalf("expected 2 total connections, got %d", got)
	}

	snapshot := r.ConnectionsOf("contact-1")
	r.Unregister("contact-1", c1)
	if len(snapshot) != 2 {
		t.Fatal("snapshot must not track registry mutations")
	}
	if got := len(r.ConnectionsOf("contact-1")); got != 1 {
		t.Fatalf("expected 1 connection after unregister, got %d", got)
	}
}

func TestRegistry_EmptyEntryCleanup(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{}

	r.Register("contact-1", c)
	if got := r.Contacts(); got != 1 {
		t.Fatalf("expected 1 contact entry, got %d", got)
	}

	r.Unregister("contact-1", c)
	if got := len(r.ConnectionsOf("contact-1")); got != 0 {
		t.Fatalf("expected no connections, got %d", got)
	}
	if got := r.Contacts(); got != 0 {
		t.Fatalf("expected contact entry to be removed, got %d entries", got)
	}

	// Unregistering again must not panic or resurrect the entry.
	r.Unregister("contact-1", c)
	if got := r.Contacts(); got != 0 {
		t.Fatalf("expected 0 contact entries, got %d", got)
	}
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := &fakeConn{}
			id := "contact-a"
			if n%2 == 0 {
				id = "contact-b"
			}
			r.Register(id, c)
			r.Unregister(id, c)
		}(i)
	}
	wg.Wait()

	if got := r.Contacts(); got != 0 {
		t.Fatalf("expected empty registry, got %d entries", got)
	}
}

func TestDispatcher_SendToSelfHealing(t *testing.T) {
	r := NewRegistry()
	healthy := &fakeConn{}
	dead1 := &fakeConn{err: errors.New("connection reset")}
	dead2 := &fakeConn{err: errors.New("connection reset")}

	r.Register("contact-1", healthy)
	r.Register("contact-1", dead1)
	r.Register("contact-1", dead2)

	d := NewDispatcher(r, 0)
	event := contracts.NewRSVPResultEvent(contracts.RSVPResultData{CampaignID: "camp-1", Accepted: true})

	if got := d.SendTo(context.Background(), "contact-1", event); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if healthy.sentCount() != 1 {
		t.Fatalf("healthy connection did not receive the event")
	}

	// Failed connections are removed and closed; the healthy one stays.
	if got := len(r.ConnectionsOf("contact-1")); got != 1 {
		t.Fatalf("expected 1 live connection after self-healing, got %d", got)
	}
	if !dead1.closed || !dead2.closed {
		t.Fatal("dead connections were not closed")
	}
}

// blockingConn never accepts a send until released; Send honors the
// dispatcher's per-send context the way a real connection does.
type blockingConn struct {
	fakeConn
	release chan struct{}
}

func (c *blockingConn) Send(ctx context.Context, _ contracts.Event) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcher_SendTimeoutUnregisters(t *testing.T) {
	r := NewRegistry()
	healthy := &fakeConn{}
	stalled := &blockingConn{release: make(chan struct{})}
	defer close(stalled.release)

	r.Register("contact-1", healthy)
	r.Register("contact-1", stalled)

	d := NewDispatcher(r, 10*time.Millisecond)
	event := contracts.NewRSVPResultEvent(contracts.RSVPResultData{CampaignID: "camp-1", Accepted: true})

	if got := d.SendTo(context.Background(), "contact-1", event); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}

	// The stalled connection is treated like a failed one.
	if got := len(r.ConnectionsOf("contact-1")); got != 1 {
		t.Fatalf("expected 1 live connection after timeout, got %d", got)
	}
	stalled.mu.Lock()
	closed := stalled.closed
	stalled.mu.Unlock()
	if !closed {
		t.Fatal("stalled connection was not closed")
	}
	if healthy.sentCount() != 1 {
		t.Fatal("healthy connection did not receive the event")
	}
}

func TestDispatcher_CallerCancellationDoesNotEvict(t *testing.T) {
	r := NewRegistry()
	conn := &blockingConn{release: make(chan struct{})}
	close(conn.release) // accepts immediately
	r.Register("contact-1", conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(r, time.Second)
	event := contracts.NewRSVPResultEvent(contracts.RSVPResultData{CampaignID: "camp-1", Accepted: true})
	if got := d.SendTo(ctx, "contact-1", event); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if got := len(r.ConnectionsOf("contact-1")); got != 1 {
		t.Fatalf("connection was evicted, have %d", got)
	}
}

func TestDispatcher_BroadcastDeduplicates(t *testing.T) {
	r := NewRegistry()
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	r.Register("contact-1", c1)
	r.Register("contact-2", c2)

	d := NewDispatcher(r, 0)
	event := contracts.NewBroadcastEvent(contracts.BroadcastData{CampaignID: "camp-1", SenderID: "coord-1"})

	got := d.Broadcast(context.Background(), []string{"contact-1", "contact-2", "contact-1", "contact-3"}, event)
	if got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
	if c1.sentCount() != 1 {
		t.Fatalf("contact-1 received %d sends, want 1", c1.sentCount())
	}
}

func TestDispatcher_SendToUnknownContact(t *testing.T) {
	d := NewDispatcher(NewRegistry(), 0)
	event := contracts.NewBroadcastEvent(contracts.BroadcastData{CampaignID: "camp-1"})
	if got := d.SendTo(context.Background(), "nobody", event); got != 0 {
		t.Fatalf("delivered = %d, want 0", got)
	}
}
