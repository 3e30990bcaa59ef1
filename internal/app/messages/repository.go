package messages

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"

	"github.com/invitewave/project/internal/app/campaign"
)

// StatusQueued is the only status this layer writes; downstream senders move
// messages through delivery states.
const StatusQueued = "queued"

// Message is one queued outbound message produced by a campaign broadcast.
type Message struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	ContactID  string    `json:"contact_id"`
	SenderID   string    `json:"sender_id"`
	Text       string    `json:"text"`
	MediaURLs  []string  `json:"media_urls,omitempty"`
	TemplateID string    `json:"template_id,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

const createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
  id text PRIMARY KEY,
  campaign_id text NOT NULL,
  contact_id text NOT NULL,
  sender_id text NOT NULL,
  text_body text NOT NULL,
  media_urls text[] NOT NULL DEFAULT '{}',
  template_id text NOT NULL DEFAULT '',
  status text NOT NULL DEFAULT 'queued',
  created_at timestamptz NOT NULL
)`

const createMessagesCampaignIndexSQL = `
CREATE INDEX IF NOT EXISTS messages_campaign_idx ON messages (campaign_id)`

const insertMessageSQL = `
INSERT INTO messages (id, campaign_id, contact_id, sender_id, text_body, media_urls, template_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const listByCampaignSQL = `
SELECT id, campaign_id, contact_id, sender_id, text_body, media_urls, template_id, status, created_at
FROM messages
WHERE campaign_id = $1
ORDER BY created_at, id`

// PostgresStore implements campaign.MessageStore on top of pgx.
type PostgresStore struct {
	Pool  *pgxpool.Pool
	Now   func() time.Time
	NewID func() string
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, Now: time.Now, NewID: nuid.Next}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createMessagesSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createMessagesCampaignIndexSQL); err != nil {
		return err
	}
	return nil
}

// CreateQueuedMessages writes one queued row per recipient in a single
// transaction and returns the generated message ids in recipient order.
// Either every row lands or none does.
func (s *PostgresStore) CreateQueuedMessages(ctx context.Context, contactIDs []string, content campaign.MessageContent, campaignID, senderID string) ([]string, error) {
	if len(contactIDs) == 0 {
		return []string{}, nil
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin queue messages: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.Now().UTC()
	media := content.MediaURLs
	if media == nil {
		media = []string{}
	}

	ids := make([]string, 0, len(contactIDs))
	for _, contactID := range contactIDs {
		id := s.NewID()
		if _, err := tx.Exec(ctx, insertMessageSQL,
			id, campaignID, contactID, senderID,
			content.Text, media, content.TemplateID, StatusQueued, now,
		); err != nil {
			return nil, fmt.Errorf("queue message for %s: %w", contactID, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit queue messages: %w", err)
	}
	return ids, nil
}

// ListByCampaign returns every message queued for a campaign, oldest first.
func (s *PostgresStore) ListByCampaign(ctx context.Context, campaignID string) ([]Message, error) {
	rows, err := s.Pool.Query(ctx, listByCampaignSQL, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.ContactID, &m.SenderID, &m.Text, &m.MediaURLs, &m.TemplateID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
