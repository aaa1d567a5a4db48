package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/launchguard/launchguard/internal/consensus"
)

var ErrDecisionNotFound = errors.New("decision not found")

type DecisionRepo struct {
	s *Store
}

func (r *DecisionRepo) Save(ctx context.Context, d consensus.FinalDecision) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("save decision: missing decision id")
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	return r.s.withLock(ctx, func() error {
		_, err := r.s.db.ExecContext(ctx, `
			INSERT INTO decisions (decision_id, status, target_token, created_at, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(decision_id) DO UPDATE SET
				status=excluded.status,
				payload=excluded.payload
		`, d.ID, string(d.Status), d.TargetToken, d.CreatedAt.UnixNano(), payload)
		if err != nil {
			return fmt.Errorf("save decision: %w", err)
		}
		return nil
	})
}

func (r *DecisionRepo) Get(ctx context.Context, id string) (consensus.FinalDecision, error) {
	var payload []byte
	err := r.s.db.QueryRowContext(ctx, "SELECT payload FROM decisions WHERE decision_id = ?", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return consensus.FinalDecision{}, ErrDecisionNotFound
		}
		return consensus.FinalDecision{}, fmt.Errorf("read decision: %w", err)
	}
	var d consensus.FinalDecision
	if err := json.Unmarshal(payload, &d); err != nil {
		return consensus.FinalDecision{}, fmt.Errorf("decode decision payload: %w", err)
	}
	return d, nil
}
