package backend

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foxford/conference/pkg/apperror"
)

// Registry persists backend identity, network endpoint and current
// session/handle, and answers selection queries for new stream
// placement.
type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Find looks up a backend row by agent identity.
func (r *Registry) Find(ctx context.Context, agentID AgentID) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT agent_label, agent_audience, janus_url, session_id, handle_id,
		       capacity, balancer_capacity, group_label, load,
		       extract(epoch from last_seen_at)::bigint
		FROM backend
		WHERE agent_label = $1 AND agent_audience = $2
	`, agentID.Label, agentID.Audience)

	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, apperror.Wrap(err, apperror.KindDatabase, "find backend")
	}
	return rec, nil
}

// Upsert creates or updates the backend row for rec's identity.
func (r *Registry) Upsert(ctx context.Context, rec Record) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO backend (id, agent_label, agent_audience, janus_url, session_id, handle_id,
		                      capacity, balancer_capacity, group_label, load, last_seen_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (agent_label, agent_audience) DO UPDATE SET
			janus_url = EXCLUDED.janus_url,
			session_id = EXCLUDED.session_id,
			handle_id = EXCLUDED.handle_id,
			capacity = EXCLUDED.capacity,
			balancer_capacity = EXCLUDED.balancer_capacity,
			group_label = EXCLUDED.group_label,
			last_seen_at = now(),
			updated_at = now()
	`, uuid.New(), rec.AgentID.Label, rec.AgentID.Audience, rec.JanusURL, rec.SessionID, rec.HandleID,
		rec.Capacity, rec.BalancerCapacity, rec.Group, rec.Load)
	if err != nil {
		return apperror.Wrap(err, apperror.KindDatabase, "upsert backend")
	}
	return nil
}

// Touch bumps last_seen_at and sets the load counter for a backend,
// used when events prove it is still live.
func (r *Registry) Touch(ctx context.Context, agentID AgentID, load int32) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE backend SET last_seen_at = now(), load = $3, updated_at = now()
		WHERE agent_label = $1 AND agent_audience = $2
	`, agentID.Label, agentID.Audience, load)
	if err != nil {
		return apperror.Wrap(err, apperror.KindDatabase, "touch backend")
	}
	return nil
}

// Select picks a backend for a new stream placement honouring group
// affinity, capacity, and balancer headroom, ties broken by load
// ascending then id lexicographically.
func (r *Registry) Select(ctx context.Context, criteria SelectionCriteria) (*Record, error) {
	query := `
		SELECT agent_label, agent_audience, janus_url, session_id, handle_id,
		       capacity, balancer_capacity, group_label, load,
		       extract(epoch from last_seen_at)::bigint
		FROM backend
		WHERE (capacity IS NULL OR load < capacity)
		  AND (balancer_capacity IS NULL OR load < balancer_capacity)
	`
	args := []any{}
	if criteria.Group != nil {
		query += " AND group_label = $1"
		args = append(args, *criteria.Group)
	}
	query += " ORDER BY load ASC, agent_label ASC LIMIT 1"

	row := r.pool.QueryRow(ctx, query, args...)
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New(apperror.KindNotFound, "no backend available")
		}
		return nil, apperror.Wrap(err, apperror.KindDatabase, "select backend")
	}
	return rec, nil
}

// List returns every registered backend.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT agent_label, agent_audience, janus_url, session_id, handle_id,
		       capacity, balancer_capacity, group_label, load,
		       extract(epoch from last_seen_at)::bigint
		FROM backend
		ORDER BY agent_label ASC
	`)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindDatabase, "list backends")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.KindDatabase, "scan backend")
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(err, apperror.KindDatabase, "iterate backends")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	if err := row.Scan(
		&rec.AgentID.Label, &rec.AgentID.Audience, &rec.JanusURL, &rec.SessionID, &rec.HandleID,
		&rec.Capacity, &rec.BalancerCapacity, &rec.Group, &rec.Load, &rec.LastSeenAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
