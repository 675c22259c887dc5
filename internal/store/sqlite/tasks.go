package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"swarm_auction/internal/domain"
)

const taskColumns = `id, description, status, assigned_agent, result, created_at, completed_at`

func (s *Store) CreateTask(ctx context.Context, description string) (domain.Task, error) {
	if strings.TrimSpace(description) == "" {
		return domain.Task{}, errors.New("create task: description is required")
	}
	task := domain.Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      domain.TaskStatusPending,
		CreatedAt:   s.now(),
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tasks(id, description, status, created_at) VALUES(?, ?, ?, ?)`,
		task.ID, task.Description, string(task.Status), task.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("get task: %w", err)
	}
	return t, true, nil
}

// ListTasks returns tasks newest first. A nil status lists every task.
func (s *Store) ListTasks(ctx context.Context, status *domain.TaskStatus) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, 1)
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateTask(ctx context.Context, taskID string, upd domain.TaskUpdate) (domain.Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("begin tx update task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.AssignedAgent != nil {
		sets = append(sets, "assigned_agent = ?")
		args = append(args, *upd.AssignedAgent)
	}
	if upd.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *upd.Result)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, nullableNano(upd.CompletedAt))
	}

	if len(sets) > 0 {
		args = append(args, taskID)
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return domain.Task{}, false, fmt.Errorf("update task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return domain.Task{}, false, fmt.Errorf("update task rows affected: %w", err)
		}
		if affected == 0 {
			return domain.Task{}, false, nil
		}
	}

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("reload task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, fmt.Errorf("commit update task: %w", err)
	}
	return t, true, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status string
	var assigned, result sql.NullString
	var created int64
	var completed sql.NullInt64
	if err := row.Scan(&t.ID, &t.Description, &status, &assigned, &result, &created, &completed); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.AssignedAgent = nullStringPtr(assigned)
	t.Result = nullStringPtr(result)
	t.CreatedAt = nanoToTime(created)
	t.CompletedAt = nullNanoToTimePtr(completed)
	return t, nil
}
