package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

const agentColumns = `id, stack_id, name, description, status, status_reason, graph_id,
	graph_slug, api_url, ui_url, disk_path, delete_requested_at, created_by, created_at,
	updated_by, updated_at`

// UpdateAgentParams holds the metadata fields an update may change.
type UpdateAgentParams struct {
	Name        *string
	Description *string
	UpdatedBy   string
}

// Deployment is what a successful deploy records on the agent row.
type Deployment struct {
	GraphID string
	APIURL  string
	UIURL   string
}

// CreateAgent inserts a new agent. A duplicate name within the stack is a
// conflict; a missing stack is a conflict too, through the foreign key.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.StackID, a.Name, nullString(a.Description), string(a.Status),
		nullString(a.StatusReason), nullString(a.GraphID), a.GraphSlug,
		nullString(a.APIURL), nullString(a.UIURL), a.DiskPath, s.nullTime(a.DeleteRequestedAt),
		a.CreatedBy, s.formatTime(a.CreatedAt), nullString(a.UpdatedBy), s.nullTime(a.UpdatedAt),
	)
	if err != nil {
		return s.classify(err)
	}
	return nil
}

// GetAgent returns the agent with the given id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.NotFoundf("agent %s not found", id)
		}
		return nil, s.classify(err)
	}
	return a, nil
}

// AgentNameTaken reports whether another agent in the stack already uses
// name. exceptID is ignored in the comparison.
func (s *Store) AgentNameTaken(ctx context.Context, stackID, name, exceptID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM agents
		WHERE stack_id = ? AND name = ? AND id <> ?`), stackID, name, exceptID).Scan(&n)
	if err != nil {
		return false, s.classify(err)
	}
	return n > 0, nil
}

// ListAgentsByStack returns the agents of a stack, oldest first.
func (s *Store) ListAgentsByStack(ctx context.Context, stackID string) ([]models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE stack_id = ? ORDER BY created_at, id`, stackID)
}

// ListAgentsByStatus returns every agent in one of the given statuses.
func (s *Store) ListAgentsByStatus(ctx context.Context, statuses ...models.AgentStatus) ([]models.Agent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at, id`,
		toArgs(agentStatusStrings(statuses))...)
}

// CountAgentsByStatus returns the number of agents per status.
func (s *Store) CountAgentsByStatus(ctx context.Context) (map[models.AgentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	out := make(map[models.AgentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		out[models.AgentStatus(status)] = n
	}
	return out, s.classify(rows.Err())
}

// UpdateAgentMeta changes name and description and returns the updated row.
func (s *Store) UpdateAgentMeta(ctx context.Context, id string, p UpdateAgentParams) (*models.Agent, error) {
	sets := []string{"updated_by = ?", "updated_at = ?"}
	args := []any{p.UpdatedBy, s.formatTime(s.now())}
	if p.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *p.Name)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *p.Description)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return nil, s.classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errdefs.NotFoundf("agent %s not found", id)
	}
	return s.GetAgent(ctx, id)
}

// SetAgentStatus moves an agent to status to if its current status is one
// of from. An empty from matches any status.
func (s *Store) SetAgentStatus(ctx context.Context, id string, from []models.AgentStatus, to models.AgentStatus, reason string) (bool, error) {
	query := `UPDATE agents SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`
	args := []any{string(to), reasonValue(reason), s.formatTime(s.now()), id}
	query, args = appendStatusFilter(query, args, agentStatusStrings(from))
	return s.execChanged(ctx, query, args...)
}

// SetAgentGraph records the registry id of the agent's graph.
func (s *Store) SetAgentGraph(ctx context.Context, id, graphID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE agents SET graph_id = ?, updated_at = ? WHERE id = ?`),
		graphID, s.formatTime(s.now()), id)
	if err != nil {
		return s.classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFoundf("agent %s not found", id)
	}
	return nil
}

// SetAgentDeployment marks the agent running with its graph id and URLs, if
// its current status is one of from.
func (s *Store) SetAgentDeployment(ctx context.Context, id string, from []models.AgentStatus, d Deployment) (bool, error) {
	query := `UPDATE agents SET status = ?, status_reason = NULL, graph_id = ?, api_url = ?,
		ui_url = ?, updated_at = ? WHERE id = ?`
	args := []any{string(models.AgentRunning), d.GraphID, d.APIURL, d.UIURL, s.formatTime(s.now()), id}
	query, args = appendStatusFilter(query, args, agentStatusStrings(from))
	return s.execChanged(ctx, query, args...)
}

// MarkAgentDeleting moves an agent to deleting and records the first delete
// request time.
func (s *Store) MarkAgentDeleting(ctx context.Context, id string, from []models.AgentStatus, actor string) (bool, error) {
	now := s.formatTime(s.now())
	query := `UPDATE agents SET status = ?, status_reason = NULL,
		delete_requested_at = COALESCE(delete_requested_at, ?),
		updated_by = ?, updated_at = ? WHERE id = ?`
	args := []any{string(models.AgentDeleting), now, actor, now, id}
	query, args = appendStatusFilter(query, args, agentStatusStrings(from))
	return s.execChanged(ctx, query, args...)
}

// DeleteAgent removes the agent row. Deleting a missing row is not an error.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM agents WHERE id = ?`), id); err != nil {
		return s.classify(err)
	}
	return nil
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, s.classify(rows.Err())
}

func agentStatusStrings(in []models.AgentStatus) []string {
	out := make([]string, len(in))
	for i, st := range in {
		out[i] = string(st)
	}
	return out
}

func toArgs(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func scanAgent(row scanner) (*models.Agent, error) {
	var (
		a                                       models.Agent
		status, createdAt                       string
		description, reason, graphID, updatedBy sql.NullString
		apiURL, uiURL                           sql.NullString
		deleteRequestedAt, updatedAt            sql.NullString
	)
	if err := row.Scan(&a.ID, &a.StackID, &a.Name, &description, &status, &reason, &graphID,
		&a.GraphSlug, &apiURL, &uiURL, &a.DiskPath, &deleteRequestedAt, &a.CreatedBy, &createdAt,
		&updatedBy, &updatedAt); err != nil {
		return nil, err
	}
	a.Status = models.AgentStatus(status)
	a.Description = stringPtr(description)
	a.StatusReason = stringPtr(reason)
	a.GraphID = stringPtr(graphID)
	a.APIURL = stringPtr(apiURL)
	a.UIURL = stringPtr(uiURL)
	a.UpdatedBy = stringPtr(updatedBy)

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.DeleteRequestedAt, err = parseNullTime(deleteRequestedAt); err != nil {
		return nil, fmt.Errorf("parse delete_requested_at: %w", err)
	}
	if a.UpdatedAt, err = parseNullTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &a, nil
}
