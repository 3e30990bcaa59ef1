package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/invitewave/project/internal/contracts"
)

type fakeRepository struct {
	gotEvent contracts.CampaignEvent
	gotSeq   uint64
	err      error
}

func (f *fakeRepository) InsertEvent(_ context.Context, event contracts.CampaignEvent, eventSeq uint64) error {
	f.gotEvent = event
	f.gotSeq = eventSeq
	return f.err
}

func TestHandle_ValidEvent(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)

	event := contracts.CampaignEvent{
		EventID:        "evt-1",
		CampaignID:     "camp-1",
		ContactID:      "contact-1",
		EventType:      contracts.EventRSVPResult,
		Response:       "yes",
		Accepted:       true,
		RemainingSlots: 3,
		Status:         "open",
		ShardID:        17,
		OccurredAt:     time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)

	if err := svc.Handle(context.Background(), payload, 42); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if repo.gotEvent.EventID != "evt-1" || repo.gotEvent.CampaignID != "camp-1" || !repo.gotEvent.Accepted {
		t.Fatalf("unexpected event in repository: %+v", repo.gotEvent)
	}
	if repo.gotSeq != 42 {
		t.Fatalf("expected event sequence 42, got %d", repo.gotSeq)
	}
}

func TestHandle_InvalidPayload(t *testing.T) {
	svc := NewService(&fakeRepository{})
	err := svc.Handle(context.Background(), []byte("{invalid"), 1)
	if !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}
}

func TestHandle_MissingIDs(t *testing.T) {
	svc := NewService(&fakeRepository{})
	payload, _ := json.Marshal(contracts.CampaignEvent{EventType: contracts.EventRSVPResult})
	if err := svc.Handle(context.Background(), payload, 1); !errors.Is(err, ErrInvalidEventPayload) {
		t.Fatalf("expected ErrInvalidEventPayload, got %v", err)
	}
}

func TestHandle_RepositoryErrorPropagates(t *testing.T) {
	repo := &fakeRepository{err: errors.New("db down")}
	svc := NewService(repo)
	payload, _ := json.Marshal(contracts.CampaignEvent{EventID: "evt-1", CampaignID: "camp-1", EventType: contracts.EventCampaignBroadcast})
	if err := svc.Handle(context.Background(), payload, 1); err == nil {
		t.Fatal("expected error from repository")
	}
}

func TestRSVPTallies(t *testing.T) {
	cases := []struct {
		name     string
		event    contracts.CampaignEvent
		yes, no  int
		rejected int
	}{
		{"accepted yes", contracts.CampaignEvent{Accepted: true, Response: "yes"}, 1, 0, 0},
		{"recorded no", contracts.CampaignEvent{Accepted: false, Response: "no"}, 0, 1, 0},
		{"rejected yes", contracts.CampaignEvent{Accepted: false, Response: "yes"}, 0, 0, 1},
	}
	for _, tc := range cases {
		yes, no, rejected := rsvpTallies(tc.event)
		if yes != tc.yes || no != tc.no || rejected != tc.rejected {
			t.Errorf("%s: got (%d,%d,%d), want (%d,%d,%d)", tc.name, yes, no, rejected, tc.yes, tc.no, tc.rejected)
		}
	}
}
