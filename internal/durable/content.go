package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forge.control/internal/model"
)

// ContentStore covers the run-adjacent content tables (messages,
// artifacts, logs) the HTTP surface serves. Kept separate from Store so
// the orchestrator's dependency stays narrow.
type ContentStore interface {
	AppendRunMessage(ctx context.Context, msg *model.RunMessage) error
	ListRunMessages(ctx context.Context, runID string) ([]model.RunMessage, error)

	SaveArtifact(ctx context.Context, a *model.Artifact) error
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error)

	AppendRunLog(ctx context.Context, line *model.RunLogLine) error
	ListRunLogs(ctx context.Context, runID string, since time.Time) ([]model.RunLogLine, error)
}

func (s *PostgresStore) AppendRunMessage(ctx context.Context, msg *model.RunMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_messages (id, run_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, now())`, msg.ID, msg.RunID, msg.Role, msg.Content)
	if err != nil {
		return fmt.Errorf("appending run message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRunMessages(ctx context.Context, runID string) ([]model.RunMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, role, content, created_at
		FROM run_messages WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing run messages: %w", err)
	}
	defer rows.Close()

	var out []model.RunMessage
	for rows.Next() {
		var m model.RunMessage
		if err := rows.Scan(&m.ID, &m.RunID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveArtifact(ctx context.Context, a *model.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, run_id, name, content_type, blob_key, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		a.ID, a.RunID, a.Name, a.ContentType, a.BlobKey, a.SizeBytes)
	if err != nil {
		return fmt.Errorf("saving artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, run_id, name, content_type, blob_key, size_bytes, created_at
		FROM artifacts WHERE id = $1`, id)
	var a model.Artifact
	if err := row.Scan(&a.ID, &a.RunID, &a.Name, &a.ContentType, &a.BlobKey, &a.SizeBytes, &a.CreatedAt); err != nil {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, name, content_type, blob_key, size_bytes, created_at
		FROM artifacts WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.ContentType, &a.BlobKey, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendRunLog(ctx context.Context, line *model.RunLogLine) error {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_logs (id, run_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, now())`, line.ID, line.RunID, line.Level, line.Message)
	if err != nil {
		return fmt.Errorf("appending run log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRunLogs(ctx context.Context, runID string, since time.Time) ([]model.RunLogLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, level, message, created_at
		FROM run_logs WHERE run_id = $1 AND created_at > $2 ORDER BY created_at`, runID, since)
	if err != nil {
		return nil, fmt.Errorf("listing run logs: %w", err)
	}
	defer rows.Close()

	var out []model.RunLogLine
	for rows.Next() {
		var l model.RunLogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
