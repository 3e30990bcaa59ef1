package contracts

import (
	"encoding/json"
	"time"
)

// Realtime event kinds pushed over websocket connections. The set is closed:
// producers go through the typed constructors below and consumers switch on
// Type, so payload shape never drifts between the two sides.
const (
	EventCampaignBroadcast = "campaign_broadcast"
	EventRSVPResult        = "rsvp_result"
	EventRSVPUpdate        = "rsvp_update"
)

// Event is the wire envelope for one realtime push.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// BroadcastData announces a campaign broadcast to each resolved recipient.
type BroadcastData struct {
	CampaignID string   `json:"campaign_id"`
	Text       string   `json:"text,omitempty"`
	MediaURLs  []string `json:"media_urls,omitempty"`
	SenderID   string   `json:"sender_id"`
}

// RSVPResultData tells the responder how their RSVP resolved.
type RSVPResultData struct {
	CampaignID     string `json:"campaign_id"`
	Accepted       bool   `json:"accepted"`
	RemainingSlots int    `json:"remaining_slots"`
	Status         string `json:"status"`
}

// RSVPUpdateData tells the campaign coordinator that a contact responded.
type RSVPUpdateData struct {
	CampaignID     string `json:"campaign_id"`
	ContactID      string `json:"contact_id"`
	Response       string `json:"response"`
	Accepted       bool   `json:"accepted"`
	RemainingSlots int    `json:"remaining_slots"`
	Status         string `json:"status"`
}

func NewBroadcastEvent(data BroadcastData) Event {
	return mustEvent(EventCampaignBroadcast, data)
}

func NewRSVPResultEvent(data RSVPResultData) Event {
	return mustEvent(EventRSVPResult, data)
}

func NewRSVPUpdateEvent(data RSVPUpdateData) Event {
	return mustEvent(EventRSVPUpdate, data)
}

func mustEvent(eventType string, data any) Event {
	payload, err := json.Marshal(data)
	if err != nil {
		// The payload structs above always marshal; failing here means a
		// programming error, not a runtime condition.
		panic(err)
	}
	return Event{Type: eventType, Data: payload}
}

// CampaignEvent is the journal record published to JetStream after a
// capacity-affecting transition or a broadcast, and persisted by event-sink.
type CampaignEvent struct {
	EventID        string    `json:"event_id"`
	CampaignID     string    `json:"campaign_id"`
	ContactID      string    `json:"contact_id,omitempty"`
	EventType      string    `json:"event_type"`
	Response       string    `json:"response,omitempty"`
	Accepted       bool      `json:"accepted,omitempty"`
	RemainingSlots int       `json:"remaining_slots"`
	Status         string    `json:"status"`
	RecipientCount int       `json:"recipient_count,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	ShardID        int       `json:"shard_id"`
}
