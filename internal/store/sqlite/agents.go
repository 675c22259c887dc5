package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"swarm_auction/internal/domain"
)

const agentColumns = `id, name, status, capabilities, registered_at, last_seen`

// RegisterAgent upserts by id. Re-registering an existing id replaces its
// name and capabilities, resets it to idle and restarts its timestamps.
func (s *Store) RegisterAgent(ctx context.Context, name, capabilities, agentID string) (domain.AgentRecord, error) {
	if strings.TrimSpace(agentID) == "" {
		agentID = uuid.NewString()
	}
	now := s.now()
	rec := domain.AgentRecord{
		ID:           strings.TrimSpace(agentID),
		Name:         name,
		Status:       domain.AgentStatusIdle,
		Capabilities: domain.NormalizeCapabilities(capabilities),
		RegisteredAt: now,
		LastSeen:     now,
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agents(id, name, status, capabilities, registered_at, last_seen)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			capabilities = excluded.capabilities,
			registered_at = excluded.registered_at,
			last_seen = excluded.last_seen`,
		rec.ID, rec.Name, string(rec.Status), rec.Capabilities, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return domain.AgentRecord{}, fmt.Errorf("register agent: %w", err)
	}
	return rec, nil
}

func (s *Store) UnregisterAgent(ctx context.Context, agentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return false, fmt.Errorf("unregister agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unregister agent rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (domain.AgentRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentRecord{}, false, nil
	}
	if err != nil {
		return domain.AgentRecord{}, false, fmt.Errorf("get agent: %w", err)
	}
	return rec, true, nil
}

func (s *Store) ListAgents(ctx context.Context, status *domain.AgentStatus) ([]domain.AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := make([]any, 0, 1)
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY registered_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AgentRecord, 0)
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (domain.AgentRecord, bool, error) {
	return s.touchAgent(ctx, agentID, `UPDATE agents SET status = ?, last_seen = ? WHERE id = ?`, string(status))
}

func (s *Store) HeartbeatAgent(ctx context.Context, agentID string) (domain.AgentRecord, bool, error) {
	return s.touchAgent(ctx, agentID, `UPDATE agents SET last_seen = ? WHERE id = ?`)
}

// MarkStaleAgentsOffline flips every non-offline agent not seen since
// olderThan to offline and reports how many changed.
func (s *Store) MarkStaleAgentsOffline(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agents SET status = ? WHERE status != ? AND last_seen < ?`,
		string(domain.AgentStatusOffline), string(domain.AgentStatusOffline), olderThan.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark stale agents offline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark stale agents rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *Store) touchAgent(ctx context.Context, agentID string, stmt string, leading ...any) (domain.AgentRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentRecord{}, false, fmt.Errorf("begin tx touch agent: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	args := append(append([]any{}, leading...), s.now().UnixNano(), agentID)
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return domain.AgentRecord{}, false, fmt.Errorf("touch agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.AgentRecord{}, false, fmt.Errorf("touch agent rows affected: %w", err)
	}
	if affected == 0 {
		return domain.AgentRecord{}, false, nil
	}

	rec, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
	if err != nil {
		return domain.AgentRecord{}, false, fmt.Errorf("reload agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentRecord{}, false, fmt.Errorf("commit touch agent: %w", err)
	}
	return rec, true, nil
}

func scanAgent(row rowScanner) (domain.AgentRecord, error) {
	var rec domain.AgentRecord
	var status string
	var registered, seen int64
	if err := row.Scan(&rec.ID, &rec.Name, &status, &rec.Capabilities, &registered, &seen); err != nil {
		return domain.AgentRecord{}, err
	}
	rec.Status = domain.AgentStatus(status)
	rec.RegisteredAt = nanoToTime(registered)
	rec.LastSeen = nanoToTime(seen)
	return rec, nil
}
