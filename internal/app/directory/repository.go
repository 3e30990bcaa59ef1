package directory

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/invitewave/project/internal/app/campaign"
)

var ErrNotFound = errors.New("contact not found")

// Contact is one addressable recipient. Region, chapter and role are the
// attributes broadcast filters select on.
type Contact struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone,omitempty"`
	Region        string    `json:"region,omitempty"`
	Chapter       string    `json:"chapter,omitempty"`
	Role          string    `json:"role,omitempty"`
	IsCoordinator bool      `json:"is_coordinator"`
	CreatedAt     time.Time `json:"created_at"`
}

const createContactsSQL = `
CREATE TABLE IF NOT EXISTS contacts (
  id text PRIMARY KEY,
  name text NOT NULL,
  phone text NOT NULL DEFAULT '',
  region text NOT NULL DEFAULT '',
  chapter text NOT NULL DEFAULT '',
  role text NOT NULL DEFAULT '',
  is_coordinator boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createContactsFilterIndexSQL = `
CREATE INDEX IF NOT EXISTS contacts_filter_idx ON contacts (region, chapter, role)`

// PostgresRepository implements the campaign.Directory collaborator.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createContactsSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createContactsFilterIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) Save(ctx context.Context, c Contact) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO contacts (id, name, phone, region, chapter, role, is_coordinator, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name,
		     phone = EXCLUDED.phone,
		     region = EXCLUDED.region,
		     chapter = EXCLUDED.chapter,
		     role = EXCLUDED.role,
		     is_coordinator = EXCLUDED.is_coordinator`,
		c.ID, c.Name, c.Phone, c.Region, c.Chapter, c.Role, c.IsCoordinator, c.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) Find(ctx context.Context, contactID string) (Contact, error) {
	var c Contact
	err := r.Pool.QueryRow(ctx,
		`SELECT id, name, phone, region, chapter, role, is_coordinator, created_at
		 FROM contacts
		 WHERE id = $1`,
		contactID,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.Region, &c.Chapter, &c.Role, &c.IsCoordinator, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, err
	}
	return c, nil
}

// IsCoordinator reports whether the contact exists and carries the
// coordinator flag. Unknown contacts are simply not coordinators.
func (r *PostgresRepository) IsCoordinator(ctx context.Context, contactID string) (bool, error) {
	var isCoordinator bool
	err := r.Pool.QueryRow(ctx,
		`SELECT is_coordinator FROM contacts WHERE id = $1`,
		contactID,
	).Scan(&isCoordinator)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return isCoordinator, nil
}

// ResolveIDs returns contact ids matching the filter. Empty filter fields are
// ignored; a fully empty filter matches every contact up to the limit.
func (r *PostgresRepository) ResolveIDs(ctx context.Context, filter campaign.RecipientFilter) ([]string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}

	query := strings.Builder{}
	query.WriteString(`SELECT id FROM contacts WHERE 1=1`)
	args := []any{}
	if filter.Region != "" {
		args = append(args, filter.Region)
		query.WriteString(` AND region = $` + strconv.Itoa(len(args)))
	}
	if filter.Chapter != "" {
		args = append(args, filter.Chapter)
		query.WriteString(` AND chapter = $` + strconv.Itoa(len(args)))
	}
	if filter.Role != "" {
		args = append(args, filter.Role)
		query.WriteString(` AND role = $` + strconv.Itoa(len(args)))
	}
	args = append(args, limit)
	query.WriteString(` ORDER BY created_at LIMIT $` + strconv.Itoa(len(args)))

	rows, err := r.Pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 64)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
