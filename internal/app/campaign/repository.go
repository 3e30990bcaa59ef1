package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the campaign persistence boundary. ApplyRSVP is the serializable
// read-modify-write primitive backing the capacity ledger: concurrent calls
// for the same campaign must linearize, and a call either applies fully or
// not at all.
type Store interface {
	Save(ctx context.Context, c Campaign) error
	Load(ctx context.Context, campaignID string) (Campaign, error)
	List(ctx context.Context, limit int) ([]Campaign, error)
	ApplyRSVP(ctx context.Context, campaignID, contactID, response string) (Outcome, error)
}

const createCampaignsSQL = `
CREATE TABLE IF NOT EXISTS campaigns (
  id text PRIMARY KEY,
  title text NOT NULL,
  text_body text NOT NULL DEFAULT '',
  media_urls text[] NOT NULL DEFAULT '{}',
  capacity integer NOT NULL CHECK (capacity > 0),
  accepted_count integer NOT NULL DEFAULT 0 CHECK (accepted_count >= 0 AND accepted_count <= capacity),
  status text NOT NULL DEFAULT 'open',
  coordinator_id text NOT NULL,
  created_at timestamptz NOT NULL
)`

const createRSVPsSQL = `
CREATE TABLE IF NOT EXISTS campaign_rsvps (
  campaign_id text NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
  contact_id text NOT NULL,
  response text NOT NULL,
  responded_at timestamptz NOT NULL,
  PRIMARY KEY (campaign_id, contact_id)
)`

const insertCampaignSQL = `
INSERT INTO campaigns (id, title, text_body, media_urls, capacity, accepted_count, status, coordinator_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const selectCampaignSQL = `
SELECT id, title, text_body, media_urls, capacity, accepted_count, status, coordinator_id, created_at
FROM campaigns
WHERE id = $1`

const listCampaignsSQL = `
SELECT id, title, text_body, media_urls, capacity, accepted_count, status, coordinator_id, created_at
FROM campaigns
ORDER BY created_at DESC
LIMIT $1`

const selectCampaignForUpdateSQL = selectCampaignSQL + `
FOR UPDATE`

const selectRSVPSQL = `
SELECT contact_id, response, responded_at
FROM campaign_rsvps
WHERE campaign_id = $1 AND contact_id = $2`

const upsertRSVPSQL = `
INSERT INTO campaign_rsvps (campaign_id, contact_id, response, responded_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (campaign_id, contact_id) DO UPDATE
SET response = EXCLUDED.response,
    responded_at = EXCLUDED.responded_at`

const updateCampaignCountersSQL = `
UPDATE campaigns
SET accepted_count = $2, status = $3
WHERE id = $1`

type PostgresStore struct {
	Pool *pgxpool.Pool
	Now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		Pool: pool,
		Now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createCampaignsSQL); err != nil {
		return err
	}
	if _, err := s.Pool.Exec(ctx, createRSVPsSQL); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, c Campaign) error {
	mediaURLs := c.MediaURLs
	if mediaURLs == nil {
		mediaURLs = []string{}
	}
	_, err := s.Pool.Exec(ctx, insertCampaignSQL,
		c.ID, c.Title, c.Text, mediaURLs, c.Capacity, c.AcceptedCount, c.Status, c.CoordinatorID, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, campaignID string) (Campaign, error) {
	return scanCampaign(s.Pool.QueryRow(ctx, selectCampaignSQL, campaignID))
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, listCampaignsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Campaign, 0, limit)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyRSVP runs the ledger decision inside one transaction. The row lock on
// the campaign serializes concurrent responses: two simultaneous yes calls
// for the last slot resolve to exactly one acceptance.
func (s *PostgresStore) ApplyRSVP(ctx context.Context, campaignID, contactID, response string) (Outcome, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Outcome{}, fmt.Errorf("begin rsvp transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := scanCampaign(tx.QueryRow(ctx, selectCampaignForUpdateSQL, campaignID))
	if err != nil {
		return Outcome{}, err
	}

	var prev *RSVPRecord
	var record RSVPRecord
	err = tx.QueryRow(ctx, selectRSVPSQL, campaignID, contactID).
		Scan(&record.ContactID, &record.Response, &record.RespondedAt)
	switch {
	case err == nil:
		prev = &record
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return Outcome{}, err
	}

	before := c
	outcome, upsert := applyRSVP(&c, prev, contactID, response, s.Now())

	if upsert != nil {
		if _, err := tx.Exec(ctx, upsertRSVPSQL, campaignID, upsert.ContactID, upsert.Response, upsert.RespondedAt); err != nil {
			return Outcome{}, err
		}
	}
	if c.AcceptedCount != before.AcceptedCount || c.Status != before.Status {
		if _, err := tx.Exec(ctx, updateCampaignCountersSQL, campaignID, c.AcceptedCount, c.Status); err != nil {
			return Outcome{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("commit rsvp transaction: %w", err)
	}
	return outcome, nil
}

func scanCampaign(row pgx.Row) (Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.Text,
		&c.MediaURLs,
		&c.Capacity,
		&c.AcceptedCount,
		&c.Status,
		&c.CoordinatorID,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	return c, nil
}
