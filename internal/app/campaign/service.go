package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/invitewave/project/internal/contracts"
	"github.com/invitewave/project/internal/platform/metrics"
	"github.com/invitewave/project/internal/sharding"
)

var (
	ErrTitleRequired   = errors.New("title is required")
	ErrInvalidCapacity = errors.New("capacity must be a positive integer")
	ErrSenderRequired  = errors.New("sender contact id is required")
	ErrForbidden       = errors.New("contact is not a coordinator")
	ErrNoRecipients    = errors.New("no recipients matched the request")
)

// RecipientFilter selects contacts by directory attributes. Zero-value fields
// are ignored.
type RecipientFilter struct {
	Region  string `json:"region,omitempty"`
	Chapter string `json:"chapter,omitempty"`
	Role    string `json:"role,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Directory is the contact/coordinator lookup collaborator.
type Directory interface {
	IsCoordinator(ctx context.Context, contactID string) (bool, error)
	ResolveIDs(ctx context.Context, filter RecipientFilter) ([]string, error)
}

// MessageContent is the body queued for each broadcast recipient.
type MessageContent struct {
	Text       string   `json:"text,omitempty"`
	MediaURLs  []string `json:"media_urls,omitempty"`
	TemplateID string   `json:"template_id,omitempty"`
}

// MessageStore creates the queued message documents for a broadcast.
type MessageStore interface {
	CreateQueuedMessages(ctx context.Context, contactIDs []string, content MessageContent, campaignID, senderID string) ([]string, error)
}

// Notifier is the realtime push boundary. Implementations absorb per
// connection failures; the returned counts are observability only.
type Notifier interface {
	SendTo(ctx context.Context, contactID string, event contracts.Event) int
	Broadcast(ctx context.Context, contactIDs []string, event contracts.Event) int
}

type PublishFunc func(subject string, payload []byte) error

// Service sequences the campaign use cases: it runs the RSVP transaction
// engine against the Store and fans results out through the Notifier.
// Realtime pushes and journal publishes happen after the transaction has
// committed and never roll it back.
type Service struct {
	Store     Store
	Directory Directory
	Messages  MessageStore
	Notifier  Notifier
	Publish   PublishFunc
	Now       func() time.Time
	NewID     func() string
}

func NewService(store Store, directory Directory, messages MessageStore, notifier Notifier, publish PublishFunc) *Service {
	return &Service{
		Store:     store,
		Directory: directory,
		Messages:  messages,
		Notifier:  notifier,
		Publish:   publish,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     nuid.Next,
	}
}

type CreateRequest struct {
	Title         string   `json:"title"`
	Text          string   `json:"text"`
	MediaURLs     []string `json:"media_urls"`
	Capacity      int      `json:"capacity"`
	CoordinatorID string   `json:"coordinator_id"`
}

func (s *Service) CreateCampaign(ctx context.Context, req CreateRequest) (Campaign, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return Campaign{}, ErrTitleRequired
	}
	if req.Capacity <= 0 {
		return Campaign{}, ErrInvalidCapacity
	}
	coordinatorID := strings.TrimSpace(req.CoordinatorID)
	if coordinatorID == "" {
		return Campaign{}, ErrSenderRequired
	}

	ok, err := s.Directory.IsCoordinator(ctx, coordinatorID)
	if err != nil {
		return Campaign{}, err
	}
	if !ok {
		return Campaign{}, ErrForbidden
	}

	c := Campaign{
		ID:            s.NewID(),
		Title:         title,
		Text:          strings.TrimSpace(req.Text),
		MediaURLs:     req.MediaURLs,
		Capacity:      req.Capacity,
		AcceptedCount: 0,
		Status:        StatusOpen,
		CoordinatorID: coordinatorID,
		CreatedAt:     s.Now(),
	}
	if err := s.Store.Save(ctx, c); err != nil {
		return Campaign{}, err
	}
	log.Printf("event=create_campaign id=%s capacity=%d coordinator_id=%s", c.ID, c.Capacity, c.CoordinatorID)
	return c, nil
}

func (s *Service) Get(ctx context.Context, campaignID string) (Campaign, error) {
	return s.Store.Load(ctx, campaignID)
}

func (s *Service) List(ctx context.Context, limit int) ([]Campaign, error) {
	return s.Store.List(ctx, limit)
}

type BroadcastRequest struct {
	SenderID   string          `json:"sender_id"`
	Text       string          `json:"text"`
	MediaURLs  []string        `json:"media_urls"`
	TemplateID string          `json:"template_id"`
	Recipients []string        `json:"recipients"`
	Filter     RecipientFilter `json:"filter"`
	DryRun     bool            `json:"dry_run"`
}

type BroadcastResult struct {
	CampaignID string   `json:"campaign_id"`
	Count      int      `json:"count"`
	MessageIDs []string `json:"message_ids"`
}

// Broadcast resolves the recipient set, queues one message per recipient and
// pushes a campaign_broadcast event to everyone resolved. With DryRun set it
// only reports the would-be recipient count.
func (s *Service) Broadcast(ctx context.Context, campaignID string, req BroadcastRequest) (BroadcastResult, error) {
	senderID := strings.TrimSpace(req.SenderID)
	if senderID == "" {
		return BroadcastResult{}, ErrSenderRequired
	}
	ok, err := s.Directory.IsCoordinator(ctx, senderID)
	if err != nil {
		return BroadcastResult{}, err
	}
	if !ok {
		return BroadcastResult{}, ErrForbidden
	}

	c, err := s.Store.Load(ctx, campaignID)
	if err != nil {
		return BroadcastResult{}, err
	}

	recipients := req.Recipients
	if len(recipients) == 0 {
		recipients, err = s.Directory.ResolveIDs(ctx, req.Filter)
		if err != nil {
			return BroadcastResult{}, err
		}
	}

	if req.DryRun {
		return BroadcastResult{CampaignID: c.ID, Count: len(recipients), MessageIDs: []string{}}, nil
	}
	if len(recipients) == 0 {
		return BroadcastResult{}, ErrNoRecipients
	}

	content := MessageContent{
		Text:       req.Text,
		MediaURLs:  req.MediaURLs,
		TemplateID: req.TemplateID,
	}
	if content.Text == "" {
		content.Text = c.Text
	}
	if len(content.MediaURLs) == 0 {
		content.MediaURLs = c.MediaURLs
	}

	messageIDs, err := s.Messages.CreateQueuedMessages(ctx, recipients, content, c.ID, senderID)
	if err != nil {
		return BroadcastResult{}, err
	}

	metrics.BroadcastRecipients.Observe(float64(len(recipients)))
	delivered := s.Notifier.Broadcast(ctx, recipients, contracts.NewBroadcastEvent(contracts.BroadcastData{
		CampaignID: c.ID,
		Text:       content.Text,
		MediaURLs:  content.MediaURLs,
		SenderID:   senderID,
	}))
	log.Printf("event=broadcast campaign_id=%s recipients=%d delivered=%d", c.ID, len(recipients), delivered)

	s.publishJournal(contracts.CampaignEvent{
		EventID:        s.NewID(),
		CampaignID:     c.ID,
		ContactID:      senderID,
		EventType:      contracts.EventCampaignBroadcast,
		Status:         c.Status,
		RemainingSlots: c.RemainingSlots(),
		RecipientCount: len(recipients),
		OccurredAt:     s.Now(),
	})

	return BroadcastResult{CampaignID: c.ID, Count: len(recipients), MessageIDs: messageIDs}, nil
}

// RSVP runs the atomic capacity transaction, then notifies the responder and
// the campaign coordinator. Notification and journal failures are absorbed:
// the committed outcome always reaches the caller.
func (s *Service) RSVP(ctx context.Context, campaignID, contactID, response string) (Outcome, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return Outcome{}, ErrSenderRequired
	}
	normalized, err := NormalizeResponse(response)
	if err != nil {
		return Outcome{}, err
	}

	start := s.Now()
	outcome, err := s.Store.ApplyRSVP(ctx, campaignID, contactID, normalized)
	if err != nil {
		metrics.RecordRSVPDuration("error", time.Since(start).Seconds())
		return Outcome{}, err
	}
	outcomeLabel := "rejected"
	if outcome.Accepted {
		outcomeLabel = "accepted"
	}
	metrics.RecordRSVPDuration(outcomeLabel, time.Since(start).Seconds())
	log.Printf("event=rsvp campaign_id=%s contact_id=%s response=%s accepted=%t status=%s",
		campaignID, contactID, normalized, outcome.Accepted, outcome.Status)

	s.Notifier.SendTo(ctx, contactID, contracts.NewRSVPResultEvent(contracts.RSVPResultData{
		CampaignID:     campaignID,
		Accepted:       outcome.Accepted,
		RemainingSlots: outcome.RemainingSlots,
		Status:         outcome.Status,
	}))

	if c, loadErr := s.Store.Load(ctx, campaignID); loadErr == nil && c.CoordinatorID != "" {
		s.Notifier.SendTo(ctx, c.CoordinatorID, contracts.NewRSVPUpdateEvent(contracts.RSVPUpdateData{
			CampaignID:     campaignID,
			ContactID:      contactID,
			Response:       normalized,
			Accepted:       outcome.Accepted,
			RemainingSlots: outcome.RemainingSlots,
			Status:         outcome.Status,
		}))
	}

	s.publishJournal(contracts.CampaignEvent{
		EventID:        s.NewID(),
		CampaignID:     campaignID,
		ContactID:      contactID,
		EventType:      contracts.EventRSVPResult,
		Response:       normalized,
		Accepted:       outcome.Accepted,
		RemainingSlots: outcome.RemainingSlots,
		Status:         outcome.Status,
		OccurredAt:     s.Now(),
	})

	return outcome, nil
}

// publishJournal ships an audit record to JetStream. The journal is a side
// effect of an already committed transaction, so publish errors are logged
// and dropped.
func (s *Service) publishJournal(event contracts.CampaignEvent) {
	if s.Publish == nil {
		return
	}
	event.ShardID = sharding.GetShardID(event.CampaignID)
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event=journal_marshal_failure campaign_id=%s err=%v", event.CampaignID, err)
		return
	}
	if err := s.Publish(sharding.EventSubject(event.CampaignID), payload); err != nil {
		log.Printf("event=journal_publish_failure campaign_id=%s err=%v", event.CampaignID, err)
	}
}
