package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/ledger-orchestrator/internal/audit"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
)

// Количество колонок в таблице audit_logs
const auditColumns = 10

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	query, vals, err := buildAuditInsert(entries)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// buildAuditInsert динамически строит запрос для пакетной вставки.
func buildAuditInsert(entries []audit.Entry) (string, []any, error) {
	var sb strings.Builder
	vals := make([]any, 0, len(entries)*auditColumns)

	for i, e := range entries {
		p := i * auditColumns
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10)

		details := e.Details
		if details == nil {
			details = map[string]any{}
		}
		payload, err := json.Marshal(details)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: marshal audit details %s: %w", e.ID, err)
		}

		vals = append(vals,
			e.ID, e.TraceID, e.TenantID, e.UserID, string(e.AgentID),
			e.Action, e.EntityType, e.EntityID, payload, e.Timestamp,
		)
	}

	query := "INSERT INTO audit_logs (id, trace_id, tenant_id, user_id, agent_id, action, entity_type, entity_id, details, timestamp) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, vals, nil
}

func (r *AuditRepo) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	query, args := buildAuditQuery(f)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Entry, 0)
	for rows.Next() {
		var (
			e       audit.Entry
			agentID string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &e.TenantID, &e.UserID, &agentID,
			&e.Action, &e.EntityType, &e.EntityID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		e.AgentID = domain.AgentID(agentID)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("postgres: decode audit details %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// buildAuditQuery собирает WHERE из непустых полей фильтра; порядок: по времени, по убыванию.
func buildAuditQuery(f audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.AgentID != "" {
		add("agent_id = $%d", string(f.AgentID))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("timestamp <= $%d", f.Until)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}

	var sb strings.Builder
	sb.WriteString("SELECT id, trace_id, tenant_id, user_id, agent_id, action, entity_type, entity_id, details, timestamp FROM audit_logs")
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY timestamp DESC LIMIT $%d", len(args))
	return sb.String(), args
}

var _ audit.Store = (*AuditRepo)(nil)
