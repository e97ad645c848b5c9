package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
	"github.com/agentplatform/stack-agent-manager/pkg/models"
)

const stackColumns = `id, name, description, namespace, status, status_reason,
	delete_requested_at, created_by, created_at, updated_by, updated_at`

// ListStacksParams filters and pages ListStacks.
type ListStacksParams struct {
	// Owner restricts the result to stacks created by this subject. Empty
	// means all stacks.
	Owner string
	// Search is a case-insensitive substring match on the name.
	Search string
	Page   int
	Limit  int
}

// UpdateStackParams holds the metadata fields an update may change. Nil
// fields are left as they are.
type UpdateStackParams struct {
	Name        *string
	Description *string
	UpdatedBy   string
}

// CreateStack inserts a new stack. CreatedAt is set when zero.
func (s *Store) CreateStack(ctx context.Context, st *models.Stack) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO stacks (`+stackColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		st.ID, st.Name, nullString(st.Description), st.Namespace, string(st.Status),
		nullString(st.StatusReason), s.nullTime(st.DeleteRequestedAt), st.CreatedBy,
		s.formatTime(st.CreatedAt), nullString(st.UpdatedBy), s.nullTime(st.UpdatedAt),
	)
	if err != nil {
		return s.classify(err)
	}
	return nil
}

// GetStack returns the stack with the given id.
func (s *Store) GetStack(ctx context.Context, id string) (*models.Stack, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+stackColumns+` FROM stacks WHERE id = ?`), id)
	st, err := scanStack(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.NotFoundf("stack %s not found", id)
		}
		return nil, s.classify(err)
	}
	return st, nil
}

// ListStacks returns a page of stacks with their agent counts, newest first,
// and the total number of stacks matching the filter.
func (s *Store) ListStacks(ctx context.Context, p ListStacksParams) ([]models.StackWithCount, int, error) {
	var where []string
	var args []any
	if p.Owner != "" {
		where = append(where, "s.created_by = ?")
		args = append(args, p.Owner)
	}
	if term := strings.TrimSpace(p.Search); term != "" {
		where = append(where, `LOWER(s.name) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM stacks s`+clause), args...).Scan(&total); err != nil {
		return nil, 0, s.classify(err)
	}

	page, limit := p.Page, p.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	query := `SELECT s.id, s.name, s.description, s.namespace, s.status, s.status_reason,
		s.delete_requested_at, s.created_by, s.created_at, s.updated_by, s.updated_at,
		(SELECT COUNT(*) FROM agents a WHERE a.stack_id = s.id)
		FROM stacks s` + clause + ` ORDER BY s.created_at DESC, s.id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, s.classify(err)
	}
	defer rows.Close()

	var out []models.StackWithCount
	for rows.Next() {
		var c models.StackWithCount
		st, err := scanStackWith(rows, &c.AgentCount)
		if err != nil {
			return nil, 0, fmt.Errorf("scan stack: %w", err)
		}
		c.Stack = *st
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, s.classify(err)
	}
	return out, total, nil
}

// ListStacksByStatus returns every stack in one of the given statuses.
func (s *Store) ListStacksByStatus(ctx context.Context, statuses ...models.StackStatus) ([]models.Stack, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+stackColumns+` FROM stacks
		WHERE status IN (`+placeholders(len(args))+`) ORDER BY created_at, id`), args...)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var out []models.Stack
	for rows.Next() {
		st, err := scanStack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stack: %w", err)
		}
		out = append(out, *st)
	}
	return out, s.classify(rows.Err())
}

// UpdateStackMeta changes name and description and returns the updated row.
func (s *Store) UpdateStackMeta(ctx context.Context, id string, p UpdateStackParams) (*models.Stack, error) {
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

	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE stacks SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return nil, s.classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errdefs.NotFoundf("stack %s not found", id)
	}
	return s.GetStack(ctx, id)
}

// SetStackStatus moves a stack to status to if its current status is one of
// from. An empty from matches any status. It reports whether the row
// changed. A reason is stored as given; an empty reason clears it.
func (s *Store) SetStackStatus(ctx context.Context, id string, from []models.StackStatus, to models.StackStatus, reason string) (bool, error) {
	query := `UPDATE stacks SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`
	args := []any{string(to), reasonValue(reason), s.formatTime(s.now()), id}
	query, args = appendStatusFilter(query, args, stackStatusStrings(from))
	return s.execChanged(ctx, query, args...)
}

// MarkStackDeleting moves a stack to deleting and records the first delete
// request time. It reports whether the row changed.
func (s *Store) MarkStackDeleting(ctx context.Context, id string, from []models.StackStatus, actor string) (bool, error) {
	now := s.formatTime(s.now())
	query := `UPDATE stacks SET status = ?, status_reason = NULL,
		delete_requested_at = COALESCE(delete_requested_at, ?),
		updated_by = ?, updated_at = ? WHERE id = ?`
	args := []any{string(models.StackDeleting), now, actor, now, id}
	query, args = appendStatusFilter(query, args, stackStatusStrings(from))
	return s.execChanged(ctx, query, args...)
}

// DeleteStack removes the stack row. It fails with a conflict while agents
// still reference the stack.
func (s *Store) DeleteStack(ctx context.Context, id string) error {
	var agents int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM agents WHERE stack_id = ?`), id).Scan(&agents); err != nil {
		return s.classify(err)
	}
	if agents > 0 {
		return errdefs.Conflictf("stack %s still has %d agents", id, agents)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM stacks WHERE id = ?`), id)
	if err != nil {
		return s.classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFoundf("stack %s not found", id)
	}
	return nil
}

func (s *Store) execChanged(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, s.classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func appendStatusFilter(query string, args []any, from []string) (string, []any) {
	if len(from) == 0 {
		return query, args
	}
	query += ` AND status IN (` + placeholders(len(from)) + `)`
	for _, f := range from {
		args = append(args, f)
	}
	return query, args
}

func stackStatusStrings(in []models.StackStatus) []string {
	out := make([]string, len(in))
	for i, st := range in {
		out[i] = string(st)
	}
	return out
}

func (s *Store) nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: s.formatTime(*t), Valid: true}
}

func scanStack(row scanner) (*models.Stack, error) {
	return scanStackWith(row)
}

func scanStackWith(row scanner, extra ...any) (*models.Stack, error) {
	var (
		st                             models.Stack
		status, createdAt              string
		description, reason, updatedBy sql.NullString
		deleteRequestedAt, updatedAt   sql.NullString
	)
	dest := []any{&st.ID, &st.Name, &description, &st.Namespace, &status, &reason,
		&deleteRequestedAt, &st.CreatedBy, &createdAt, &updatedBy, &updatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	st.Status = models.StackStatus(status)
	st.Description = stringPtr(description)
	st.StatusReason = stringPtr(reason)
	st.UpdatedBy = stringPtr(updatedBy)

	var err error
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if st.DeleteRequestedAt, err = parseNullTime(deleteRequestedAt); err != nil {
		return nil, fmt.Errorf("parse delete_requested_at: %w", err)
	}
	if st.UpdatedAt, err = parseNullTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &st, nil
}
