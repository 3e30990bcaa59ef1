package realtime

import (
	"context"
	"log"
	"time"

	"github.com/invitewave/project/internal/contracts"
	"github.com/invitewave/project/internal/platform/metrics"
)

const defaultSendTimeout = 5 * time.Second

// Dispatcher pushes typed events to a contact's live connections. Delivery is
// best-effort: a connection that errors or stalls past the send timeout is
// unregistered and closed rather than retried, so stale handles never
// accumulate. Dispatch failures are logged and counted, never surfaced to the
// caller.
type Dispatcher struct {
	Registry    *Registry
	SendTimeout time.Duration
}

func NewDispatcher(registry *Registry, sendTimeout time.Duration) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Dispatcher{Registry: registry, SendTimeout: sendTimeout}
}

// SendTo delivers event to every connection of one contact and returns how
// many connections accepted the payload. Sends happen outside the registry
// lock; a slow connection cannot block registration of unrelated ones.
func (d *Dispatcher) SendTo(ctx context.Context, contactID string, event contracts.Event) int {
	// Detach from the caller's context: cancellation of one client's request
	// must not count as a failed send and evict other recipients' connections.
	// Only the send timeout kills a connection.
	ctx = context.WithoutCancel(ctx)

	delivered := 0
	for _, conn := range d.Registry.ConnectionsOf(contactID) {
		sendCtx, cancel := context.WithTimeout(ctx, d.SendTimeout)
		err := conn.Send(sendCtx, event)
		cancel()
		if err != nil {
			metrics.DispatchSends.WithLabelValues(event.Type, "failed").Inc()
			log.Printf("event=dispatch_failure contact_id=%s type=%s err=%v", contactID, event.Type, err)
			d.Registry.Unregister(contactID, conn)
			_ = conn.Close()
			continue
		}
		metrics.DispatchSends.WithLabelValues(event.Type, "ok").Inc()
		delivered++
	}
	return delivered
}

// Broadcast delivers event to each unique contact in contactIDs and returns
// the total number of connections that accepted the payload.
func (d *Dispatcher) Broadcast(ctx context.Context, contactIDs []string, event contracts.Event) int {
	seen := make(map[string]struct{}, len(contactIDs))
	delivered := 0
	for _, contactID := range contactIDs {
		if _, dup := seen[contactID]; dup {
			continue
		}
		seen[contactID] = struct{}{}
		delivered += d.SendTo(ctx, contactID, event)
	}
	return delivered
}
