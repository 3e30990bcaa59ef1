package journal

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invitewave/project/internal/contracts"
)

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS campaign_events (
  event_id text PRIMARY KEY,
  campaign_id text NOT NULL,
  contact_id text NOT NULL,
  event_type text NOT NULL,
  response text NOT NULL DEFAULT '',
  accepted boolean NOT NULL DEFAULT false,
  remaining_slots integer NOT NULL,
  status text NOT NULL,
  recipient_count integer NOT NULL DEFAULT 0,
  shard_id integer NOT NULL,
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const createActivityTableSQL = `
CREATE TABLE IF NOT EXISTS campaign_activity (
  campaign_id text PRIMARY KEY,
  broadcast_count integer NOT NULL DEFAULT 0,
  rsvp_yes_count integer NOT NULL DEFAULT 0,
  rsvp_no_count integer NOT NULL DEFAULT 0,
  rejected_count integer NOT NULL DEFAULT 0,
  last_remaining_slots integer NOT NULL DEFAULT 0,
  last_status text NOT NULL DEFAULT 'open',
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createProjectionOffsetsSQL = `
CREATE TABLE IF NOT EXISTS campaign_projection_offsets (
  campaign_id text PRIMARY KEY,
  last_event_seq bigint NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const insertEventSQL = `
INSERT INTO campaign_events (
  event_id, campaign_id, contact_id, event_type, response, accepted,
  remaining_slots, status, recipient_count, shard_id, occurred_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (event_id) DO NOTHING
`

const applyBroadcastActivitySQL = `
INSERT INTO campaign_activity (campaign_id, broadcast_count, last_remaining_slots, last_status, updated_at)
VALUES ($1, 1, $2, $3, now())
ON CONFLICT (campaign_id) DO UPDATE
SET broadcast_count = campaign_activity.broadcast_count + 1,
    last_remaining_slots = EXCLUDED.last_remaining_slots,
    last_status = EXCLUDED.last_status,
    updated_at = now()
`

const applyRSVPActivitySQL = `
INSERT INTO campaign_activity (campaign_id, rsvp_yes_count, rsvp_no_count, rejected_count, last_remaining_slots, last_status, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (campaign_id) DO UPDATE
SET rsvp_yes_count = campaign_activity.rsvp_yes_count + EXCLUDED.rsvp_yes_count,
    rsvp_no_count = campaign_activity.rsvp_no_count + EXCLUDED.rsvp_no_count,
    rejected_count = campaign_activity.rejected_count + EXCLUDED.rejected_count,
    last_remaining_slots = EXCLUDED.last_remaining_slots,
    last_status = EXCLUDED.last_status,
    updated_at = now()
`

const upsertProjectionOffsetSQL = `
INSERT INTO campaign_projection_offsets (campaign_id, last_event_seq, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (campaign_id) DO UPDATE
SET last_event_seq = GREATEST(campaign_projection_offsets.last_event_seq, EXCLUDED.last_event_seq),
    updated_at = now()
`

type EventRepository struct {
	Pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{Pool: pool}
}

func (r *EventRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createEventsTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createActivityTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createProjectionOffsetsSQL); err != nil {
		return err
	}
	return nil
}

// InsertEvent stores the journal record and folds it into the per-campaign
// activity projection in one transaction. Redeliveries hit the event_id
// conflict and leave the projection untouched.
func (r *EventRepository) InsertEvent(ctx context.Context, event contracts.CampaignEvent, eventSeq uint64) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, insertEventSQL,
		event.EventID,
		event.CampaignID,
		event.ContactID,
		event.EventType,
		event.Response,
		event.Accepted,
		event.RemainingSlots,
		event.Status,
		event.RecipientCount,
		event.ShardID,
		event.OccurredAt,
	)
	if err != nil {
		return err
	}

	if tag.RowsAffected() > 0 {
		switch event.EventType {
		case contracts.EventCampaignBroadcast:
			if _, err := tx.Exec(ctx, applyBroadcastActivitySQL,
				event.CampaignID,
				event.RemainingSlots,
				event.Status,
			); err != nil {
				return err
			}
		case contracts.EventRSVPResult:
			yes, no, rejected := rsvpTallies(event)
			if _, err := tx.Exec(ctx, applyRSVPActivitySQL,
				event.CampaignID,
				yes, no, rejected,
				event.RemainingSlots,
				event.Status,
			); err != nil {
				return err
			}
		default:
			return ErrUnsupportedEventType
		}
	}

	if _, err := tx.Exec(ctx, upsertProjectionOffsetSQL, event.CampaignID, int64(eventSeq)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// rsvpTallies classifies one RSVP event for the activity projection. A "no"
// is never accepted by the ledger, so it is branched on first; only a "yes"
// distinguishes accepted from rejected.
func rsvpTallies(event contracts.CampaignEvent) (yes, no, rejected int) {
	if event.Response == "no" {
		return 0, 1, 0
	}
	if event.Accepted {
		return 1, 0, 0
	}
	return 0, 0, 1
}
