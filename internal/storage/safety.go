package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/launchguard/launchguard/internal/safety"
)

// SafetyRepo implements safety.StateStore and safety.SpendStore.
type SafetyRepo struct {
	s *Store
}

var (
	_ safety.StateStore = (*SafetyRepo)(nil)
	_ safety.SpendStore = (*SafetyRepo)(nil)
)

func (r *SafetyRepo) LoadKillSwitch(ctx context.Context) (safety.KillSwitchState, bool, error) {
	var payload []byte
	err := r.s.db.QueryRowContext(ctx, "SELECT payload FROM kill_switch_state WHERE id = 1").Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return safety.KillSwitchState{}, false, nil
		}
		return safety.KillSwitchState{}, false, fmt.Errorf("read kill switch state: %w", err)
	}
	var st safety.KillSwitchState
	if err := json.Unmarshal(payload, &st); err != nil {
		return safety.KillSwitchState{}, false, fmt.Errorf("decode kill switch state: %w", err)
	}
	return st, true, nil
}

func (r *SafetyRepo) SaveKillSwitch(ctx context.Context, st safety.KillSwitchState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal kill switch state: %w", err)
	}
	active := 0
	if st.Active {
		active = 1
	}
	return r.s.withLock(ctx, func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO kill_switch_state (id, active, updated_at, payload)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				active=excluded.active,
				updated_at=excluded.updated_at,
				payload=excluded.payload
		`, active, r.s.now().UTC().UnixNano(), payload)
		if err != nil {
			return fmt.Errorf("save kill switch state: %w", err)
		}
		return nil
	})
}

func (r *SafetyRepo) AppendSpend(ctx context.Context, rec safety.SpendRecord) error {
	return r.s.withLock(ctx, func() error {
		_, err := r.s.db.ExecContext(ctx,
			"INSERT INTO velocity_spend (session, amount_mon, target, method, spent_at) VALUES (?, ?, ?, ?, ?)",
			rec.Session, rec.AmountMon.String(), rec.Target, rec.Method, rec.At.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("append spend record: %w", err)
		}
		return nil
	})
}

// ReserveSpend checks and appends under the store lock, so processes sharing
// the database cannot both spend the same headroom.
func (r *SafetyRepo) ReserveSpend(ctx context.Context, rec safety.SpendRecord, since time.Time, limit decimal.Decimal) ([]safety.SpendRecord, bool, error) {
	var (
		window   []safety.SpendRecord
		accepted bool
	)
	err := r.s.withLock(ctx, func() error {
		tx, err := r.s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin spend reservation: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx,
			"SELECT session, amount_mon, target, method, spent_at FROM velocity_spend WHERE session = ? AND spent_at > ? ORDER BY spent_at, id",
			rec.Session, since.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("load spend window: %w", err)
		}
		window, err = scanSpends(rows)
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, w := range window {
			total = total.Add(w.AmountMon)
		}
		if total.Add(rec.AmountMon).GreaterThan(limit) {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO velocity_spend (session, amount_mon, target, method, spent_at) VALUES (?, ?, ?, ?, ?)",
			rec.Session, rec.AmountMon.String(), rec.Target, rec.Method, rec.At.UTC().UnixNano()); err != nil {
			return fmt.Errorf("append spend record: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit spend reservation: %w", err)
		}
		accepted = true
		return nil
	})
	return window, accepted, err
}

func (r *SafetyRepo) LoadSpends(ctx context.Context, since time.Time) ([]safety.SpendRecord, error) {
	rows, err := r.s.db.QueryContext(ctx,
		"SELECT session, amount_mon, target, method, spent_at FROM velocity_spend WHERE spent_at >= ? ORDER BY spent_at, id",
		since.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("load spend records: %w", err)
	}
	return scanSpends(rows)
}

func scanSpends(rows *sql.Rows) ([]safety.SpendRecord, error) {
	defer rows.Close()
	out := make([]safety.SpendRecord, 0)
	for rows.Next() {
		var (
			rec    safety.SpendRecord
			amount string
			at     int64
		)
		if err := rows.Scan(&rec.Session, &amount, &rec.Target, &rec.Method, &at); err != nil {
			return nil, fmt.Errorf("scan spend row: %w", err)
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("decode spend amount %q: %w", amount, err)
		}
		rec.AmountMon = amt
		rec.At = time.Unix(0, at).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spend rows: %w", err)
	}
	return out, nil
}

func (r *SafetyRepo) PruneSpends(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := r.s.withLock(ctx, func() error {
		res, err := r.s.db.ExecContext(ctx, "DELETE FROM velocity_spend WHERE spent_at < ?", before.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("prune spend records: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
