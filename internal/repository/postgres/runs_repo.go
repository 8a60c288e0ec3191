package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
)

// RunRepo хранит записи о попытках исполнения задач агентами.
type RunRepo struct {
	db *sql.DB
}

func NewRunRepo(db *sql.DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) InsertRun(ctx context.Context, run domain.AgentRun) error {
	query := `INSERT INTO agent_runs (id, tenant_id, agent_id, task_id, status, started_at, completed_at, duration_ms, error)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.TenantID, string(run.AgentID), run.TaskID, string(run.Status),
		run.StartedAt, run.CompletedAt, run.DurationMs, run.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert run %s: %w", run.ID, err)
	}
	return nil
}
