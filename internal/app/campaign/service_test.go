package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/invitewave/project/internal/contracts"
)

type fakeDirectory struct {
	coordinators map[string]bool
	resolved     []string
	resolveErr   error
	gotFilter    RecipientFilter
}

func (d *fakeDirectory) IsCoordinator(_ context.Context, contactID string) (bool, error) {
	return d.coordinators[contactID], nil
}

func (d *fakeDirectory) ResolveIDs(_ context.Context, filter RecipientFilter) ([]string, error) {
	d.gotFilter = filter
	return d.resolved, d.resolveErr
}

type fakeMessages struct {
	created    [][]string
	gotContent MessageContent
	err        error
}

func (m *fakeMessages) CreateQueuedMessages(_ context.Context, contactIDs []string, content MessageContent, campaignID, senderID string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.created = append(m.created, contactIDs)
	m.gotContent = content
	ids := make([]string, len(contactIDs))
	for i := range contactIDs {
		ids[i] = fmt.Sprintf("msg-%d", i)
	}
	return ids, nil
}

type sentEvent struct {
	ContactID string
	Event     contracts.Event
}

type fakeNotifier struct {
	sent      []sentEvent
	broadcast [][]string
}

func (n *fakeNotifier) SendTo(_ context.Context, contactID string, event contracts.Event) int {
	n.sent = append(n.sent, sentEvent{ContactID: contactID, Event: event})
	return 1
}

func (n *fakeNotifier) Broadcast(_ context.Context, contactIDs []string, event contracts.Event) int {
	n.broadcast = append(n.broadcast, contactIDs)
	return len(contactIDs)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *fakeDirectory, *fakeMessages, *fakeNotifier) {
	t.Helper()
	store := NewMemoryStore()
	directory := &fakeDirectory{coordinators: map[string]bool{"coord-1": true}}
	messages := &fakeMessages{}
	notifier := &fakeNotifier{}
	svc := NewService(store, directory, messages, notifier, nil)
	svc.Now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }
	counter := 0
	svc.NewID = func() string {
		counter++
		return fmt.Sprintf("id-%d", counter)
	}
	return svc, store, directory, messages, notifier
}

func TestCreateCampaign(t *testing.T) {
	svc, store, _, _, _ := newTestService(t)

	c, err := svc.CreateCampaign(context.Background(), CreateRequest{
		Title:         "Harvest cleanup",
		Capacity:      7,
		CoordinatorID: "coord-1",
	})
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
	if c.Status != StatusOpen || c.AcceptedCount != 0 || c.Capacity != 7 {
		t.Fatalf("unexpected campaign: %+v", c)
	}

	saved, err := store.Load(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if saved.Title != "Harvest cleanup" || saved.CoordinatorID != "coord-1" {
		t.Fatalf("unexpected persisted campaign: %+v", saved)
	}
}

func TestCreateCampaign_Validation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateCampaign(ctx, CreateRequest{Capacity: 5, CoordinatorID: "coord-1"}); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	if _, err := svc.CreateCampaign(ctx, CreateRequest{Title: "x", Capacity: 0, CoordinatorID: "coord-1"}); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
	if _, err := svc.CreateCampaign(ctx, CreateRequest{Title: "x", Capacity: 5, CoordinatorID: "contact-9"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func seedCampaign(t *testing.T, svc *Service) Campaign {
	t.Helper()
	c, err := svc.CreateCampaign(context.Background(), CreateRequest{
		Title:         "Harvest cleanup",
		Text:          "Bring gloves",
		Capacity:      2,
		CoordinatorID: "coord-1",
	})
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
	return c
}

func TestRSVP_NotifiesResponderAndCoordinator(t *testing.T) {
	svc, _, _, _, notifier := newTestService(t)
	c := seedCampaign(t, svc)

	out, err := svc.RSVP(context.Background(), c.ID, "contact-5", "yes")
	if err != nil {
		t.Fatalf("RSVP error: %v", err)
	}
	if !out.Accepted || out.RemainingSlots != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	if len(notifier.sent) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notifier.sent))
	}

	result := notifier.sent[0]
	if result.ContactID != "contact-5" || result.Event.Type != contracts.EventRSVPResult {
		t.Fatalf("unexpected responder notification: %+v", result)
	}
	var resultData contracts.RSVPResultData
	if err := json.Unmarshal(result.Event.Data, &resultData); err != nil {
		t.Fatalf("rsvp_result payload: %v", err)
	}
	if resultData.CampaignID != c.ID || !resultData.Accepted || resultData.RemainingSlots != 1 {
		t.Fatalf("unexpected rsvp_result data: %+v", resultData)
	}

	update := notifier.sent[1]
	if update.ContactID != "coord-1" || update.Event.Type != contracts.EventRSVPUpdate {
		t.Fatalf("unexpected coordinator notification: %+v", update)
	}
	var updateData contracts.RSVPUpdateData
	if err := json.Unmarshal(update.Event.Data, &updateData); err != nil {
		t.Fatalf("rsvp_update payload: %v", err)
	}
	if updateData.ContactID != "contact-5" || updateData.Response != ResponseYes {
		t.Fatalf("unexpected rsvp_update data: %+v", updateData)
	}
}

func TestRSVP_InvalidResponse(t *testing.T) {
	svc, _, _, _, notifier := newTestService(t)
	c := seedCampaign(t, svc)

	if _, err := svc.RSVP(context.Background(), c.ID, "contact-5", "maybe"); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if len(notifier.sent) != 0 {
		t.Fatal("invalid response must not trigger notifications")
	}
}

func TestRSVP_UnknownCampaign(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	if _, err := svc.RSVP(context.Background(), "missing", "contact-5", "yes"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRSVP_JournalPublishFailureIsAbsorbed(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	svc.Publish = func(string, []byte) error { return errors.New("jetstream down") }
	c := seedCampaign(t, svc)

	out, err := svc.RSVP(context.Background(), c.ID, "contact-5", "yes")
	if err != nil {
		t.Fatalf("RSVP must not fail on journal errors: %v", err)
	}
	if !out.Accepted {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestBroadcast_DryRunHasNoSideEffects(t *testing.T) {
	svc, _, directory, messages, notifier := newTestService(t)
	c := seedCampaign(t, svc)
	directory.resolved = []string{"c1", "c2", "c3", "c4", "c5"}

	res, err := svc.Broadcast(context.Background(), c.ID, BroadcastRequest{
		SenderID: "coord-1",
		Filter:   RecipientFilter{Region: "north"},
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if res.Count != 5 || len(res.MessageIDs) != 0 {
		t.Fatalf("unexpected dry-run result: %+v", res)
	}
	if directory.gotFilter.Region != "north" {
		t.Fatalf("filter was not forwarded: %+v", directory.gotFilter)
	}
	if len(messages.created) != 0 || len(notifier.broadcast) != 0 {
		t.Fatal("dry run must not create messages or dispatch events")
	}
}

func TestBroadcast_QueuesAndDispatches(t *testing.T) {
	svc, _, _, messages, notifier := newTestService(t)
	c := seedCampaign(t, svc)

	res, err := svc.Broadcast(context.Background(), c.ID, BroadcastRequest{
		SenderID:   "coord-1",
		Recipients: []string{"c1", "c2"},
	})
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if res.Count != 2 || len(res.MessageIDs) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(messages.created) != 1 || len(messages.created[0]) != 2 {
		t.Fatalf("unexpected queued messages: %+v", messages.created)
	}
	// Broadcast content falls back to the campaign body.
	if messages.gotContent.Text != "Bring gloves" {
		t.Fatalf("unexpected content: %+v", messages.gotContent)
	}
	if len(notifier.broadcast) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(notifier.broadcast))
	}
}

func TestBroadcast_EmptyRecipientsFails(t *testing.T) {
	svc, _, directory, _, _ := newTestService(t)
	c := seedCampaign(t, svc)
	directory.resolved = nil

	if _, err := svc.Broadcast(context.Background(), c.ID, BroadcastRequest{SenderID: "coord-1"}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestBroadcast_RequiresCoordinator(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	c := seedCampaign(t, svc)

	if _, err := svc.Broadcast(context.Background(), c.ID, BroadcastRequest{SenderID: "contact-9"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
