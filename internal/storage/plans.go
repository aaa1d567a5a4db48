package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/launchguard/launchguard/internal/plan"
)

// PlanRepo implements plan.Repository.
type PlanRepo struct {
	s *Store
}

var _ plan.Repository = (*PlanRepo)(nil)

func (r *PlanRepo) Save(ctx context.Context, o plan.Output) error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("save plan: missing plan id")
	}
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return r.s.withLock(ctx, func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO plans (plan_id, decision_id, status, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(plan_id) DO UPDATE SET
				status=excluded.status,
				updated_at=excluded.updated_at,
				payload=excluded.payload
		`, o.ID, o.DecisionID, string(o.Status), o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(), payload)
		if err != nil {
			return fmt.Errorf("save plan: %w", err)
		}
		return nil
	})
}

// Update is a compare-and-swap on the plan's revision. The read and the
// write share one transaction under the store lock.
func (r *PlanRepo) Update(ctx context.Context, o plan.Output, expect int) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return r.s.withLock(ctx, func() error {
		tx, err := r.s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin plan update: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current []byte
		if err := tx.QueryRowContext(ctx, "SELECT payload FROM plans WHERE plan_id = ?", o.ID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return plan.ErrNotFound
			}
			return fmt.Errorf("read plan: %w", err)
		}
		stored, err := decodePlan(current)
		if err != nil {
			return err
		}
		if stored.Revision != expect {
			return plan.ErrConflict
		}
		if _, err := tx.ExecContext(ctx, "UPDATE plans SET status = ?, updated_at = ?, payload = ? WHERE plan_id = ?",
			string(o.Status), o.UpdatedAt.UnixNano(), payload, o.ID); err != nil {
			return fmt.Errorf("update plan: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit plan update: %w", err)
		}
		return nil
	})
}

func (r *PlanRepo) Get(ctx context.Context, id string) (plan.Output, error) {
	var payload []byte
	err := r.s.db.QueryRowContext(ctx, "SELECT payload FROM plans WHERE plan_id = ?", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return plan.Output{}, plan.ErrNotFound
		}
		return plan.Output{}, fmt.Errorf("read plan: %w", err)
	}
	return decodePlan(payload)
}

func (r *PlanRepo) List(ctx context.Context, f plan.Filter) ([]plan.Output, error) {
	query := "SELECT payload FROM plans"
	args := make([]any, 0, len(f.Statuses)+1)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY created_at DESC, plan_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	out := make([]plan.Output, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		o, err := decodePlan(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan rows: %w", err)
	}
	return out, nil
}

// ClearQueued rewrites every queued plan inside one transaction.
func (r *PlanRepo) ClearQueued(ctx context.Context, at time.Time) (int, error) {
	n := 0
	err := r.s.withLock(ctx, func() error {
		tx, err := r.s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		marks := make([]string, len(plan.QueuedStatuses))
		args := make([]any, len(plan.QueuedStatuses))
		for i, st := range plan.QueuedStatuses {
			marks[i] = "?"
			args[i] = string(st)
		}
		rows, err := tx.QueryContext(ctx, "SELECT payload FROM plans WHERE status IN ("+strings.Join(marks, ", ")+")", args...)
		if err != nil {
			return fmt.Errorf("select queued plans: %w", err)
		}
		var queued []plan.Output
		for rows.Next() {
			var payload []byte
			if err := rows.Scan(&payload); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan plan row: %w", err)
			}
			o, err := decodePlan(payload)
			if err != nil {
				_ = rows.Close()
				return err
			}
			queued = append(queued, o)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close plan rows: %w", err)
		}

		for _, o := range queued {
			plan.Clear(&o, at)
			payload, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("marshal plan: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "UPDATE plans SET status = ?, updated_at = ?, payload = ? WHERE plan_id = ?",
				string(o.Status), o.UpdatedAt.UnixNano(), payload, o.ID); err != nil {
				return fmt.Errorf("clear plan %s: %w", o.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit clear: %w", err)
		}
		n = len(queued)
		return nil
	})
	return n, err
}

func decodePlan(payload []byte) (plan.Output, error) {
	var o plan.Output
	if err := json.Unmarshal(payload, &o); err != nil {
		return plan.Output{}, fmt.Errorf("decode plan payload: %w", err)
	}
	return o, nil
}
