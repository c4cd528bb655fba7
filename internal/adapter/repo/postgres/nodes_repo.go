package postgres

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// NodeRepo is the sole writer of worker node rows.
type NodeRepo struct{ Pool PgxPool }

// NewNodeRepo constructs a NodeRepo with the given pool.
func NewNodeRepo(p PgxPool) *NodeRepo { return &NodeRepo{Pool: p} }

const nodeColumns = `id, name, url, api_key, model, backend, status, last_heartbeat, current_job_id, priority, created_at, updated_at`

func scanNode(row pgx.Row) (domain.WorkerNode, error) {
	var n domain.WorkerNode
	err := row.Scan(&n.ID, &n.Name, &n.URL, &n.APIKey, &n.Model, &n.Backend, &n.Status,
		&n.LastHeartbeat, &n.CurrentJobID, &n.Priority, &n.CreatedAt, &n.UpdatedAt)
	return n, err
}

// newAPIKey returns a 256-bit random bearer token in hex.
func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Register creates a node with a fresh uuid and bearer token. The endpoint
// carrying this is unauthenticated by design; the token is the only proof of
// identity from here on.
func (r *NodeRepo) Register(ctx domain.Context, name, url, model, backend string) (domain.WorkerNode, error) {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.Register")
	defer span.End()
	key, err := newAPIKey()
	if err != nil {
		return domain.WorkerNode{}, fmt.Errorf("op=node.register: %w", err)
	}
	now := time.Now().UTC()
	n := domain.WorkerNode{
		ID: uuid.New().String(), Name: name, URL: url, APIKey: key,
		Model: model, Backend: backend, Status: domain.NodeOnline,
		LastHeartbeat: &now, Priority: domain.DefaultPriority,
		CreatedAt: now, UpdatedAt: now,
	}
	q := `INSERT INTO worker_nodes (id, name, url, api_key, model, backend, status, last_heartbeat, priority, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`
	if _, err := r.Pool.Exec(ctx, q, n.ID, n.Name, n.URL, n.APIKey, n.Model, n.Backend, n.Status, now, n.Priority, now); err != nil {
		return domain.WorkerNode{}, fmt.Errorf("op=node.register: %w", err)
	}
	return n, nil
}

// Authenticate resolves an api key to its node. The api_key column is unique
// and indexed, so this is a single point lookup.
func (r *NodeRepo) Authenticate(ctx domain.Context, apiKey string) (domain.WorkerNode, error) {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.Authenticate")
	defer span.End()
	n, err := scanNode(r.Pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM worker_nodes WHERE api_key=$1`, apiKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkerNode{}, fmt.Errorf("op=node.authenticate: %w", domain.ErrUnauthorized)
		}
		return domain.WorkerNode{}, fmt.Errorf("op=node.authenticate: %w", err)
	}
	return n, nil
}

// Get loads a node by id.
func (r *NodeRepo) Get(ctx domain.Context, id string) (domain.WorkerNode, error) {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.Get")
	defer span.End()
	n, err := scanNode(r.Pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM worker_nodes WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkerNode{}, fmt.Errorf("op=node.get: %w", domain.ErrNotFound)
		}
		return domain.WorkerNode{}, fmt.Errorf("op=node.get: %w", err)
	}
	return n, nil
}

// List returns all nodes ordered by priority then name.
func (r *NodeRepo) List(ctx domain.Context) ([]domain.WorkerNode, error) {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+nodeColumns+` FROM worker_nodes ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=node.list: %w", err)
	}
	defer rows.Close()
	var out []domain.WorkerNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("op=node.list: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=node.list: %w", err)
	}
	return out, nil
}

// UpdateHeartbeat bumps last_heartbeat and revives offline nodes. Model and
// backend are refreshed when the agent reports them.
func (r *NodeRepo) UpdateHeartbeat(ctx domain.Context, id, model, backend string) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.UpdateHeartbeat")
	defer span.End()
	q := `UPDATE worker_nodes SET last_heartbeat=now(),
		status = CASE WHEN status='offline' THEN 'online' ELSE status END,
		model = CASE WHEN $2 <> '' THEN $2 ELSE model END,
		backend = CASE WHEN $3 <> '' THEN $3 ELSE backend END,
		updated_at=now()
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, model, backend)
	if err != nil {
		return fmt.Errorf("op=node.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=node.heartbeat: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateStatus sets node status and current job assignment.
func (r *NodeRepo) UpdateStatus(ctx domain.Context, id string, status domain.NodeStatus, currentJobID *string) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.UpdateStatus")
	defer span.End()
	q := `UPDATE worker_nodes SET status=$2, current_job_id=$3, updated_at=now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, currentJobID)
	if err != nil {
		return fmt.Errorf("op=node.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=node.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete unregisters a node by id.
func (r *NodeRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM worker_nodes WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=node.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=node.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteByName unregisters every node with the given name.
func (r *NodeRepo) DeleteByName(ctx domain.Context, name string) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.DeleteByName")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM worker_nodes WHERE name=$1`, name); err != nil {
		return fmt.Errorf("op=node.delete_by_name: %w", err)
	}
	return nil
}
