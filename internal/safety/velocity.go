package safety

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/logger"
)

type VelocityConfig struct {
	Window          time.Duration   `json:"window"`
	SweepInterval   time.Duration   `json:"sweep_interval"`
	DefaultLimitMon decimal.Decimal `json:"default_limit_mon"`
}

func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		Window:          60 * time.Second,
		SweepInterval:   30 * time.Second,
		DefaultLimitMon: decimal.NewFromInt(1),
	}
}

func (c VelocityConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("velocity: window must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("velocity: sweep_interval must be positive")
	}
	if !c.DefaultLimitMon.IsPositive() {
		return fmt.Errorf("velocity: default_limit_mon must be positive")
	}
	return nil
}

type SpendRecord struct {
	Session   string          `json:"session"`
	AmountMon decimal.Decimal `json:"amount_mon"`
	Target    string          `json:"target,omitempty"`
	Method    string          `json:"method,omitempty"`
	At        time.Time       `json:"at"`
}

type VelocityCheck struct {
	Allowed     bool            `json:"allowed"`
	WindowTotal decimal.Decimal `json:"window_total"`
	Proposed    decimal.Decimal `json:"proposed"`
	Limit       decimal.Decimal `json:"limit"`
	Remaining   decimal.Decimal `json:"remaining"`
	WaitTime    time.Duration   `json:"wait_time"`
}

// SpendStore persists spend records so the window survives restarts and is
// shared between processes.
type SpendStore interface {
	AppendSpend(ctx context.Context, rec SpendRecord) error
	// ReserveSpend atomically loads the session's records newer than since
	// and appends rec only if their total plus rec stays within limit. It
	// returns the window as it was before rec.
	ReserveSpend(ctx context.Context, rec SpendRecord, since time.Time, limit decimal.Decimal) ([]SpendRecord, bool, error)
	LoadSpends(ctx context.Context, since time.Time) ([]SpendRecord, error)
	PruneSpends(ctx context.Context, before time.Time) (int, error)
}

type VelocityOptions struct {
	Now    func() time.Time
	Store  SpendStore
	Logger *slog.Logger
	// OnReject is called for every rejected spend.
	OnReject func(session string)
}

// VelocityTracker caps spend per session over a rolling window.
type VelocityTracker struct {
	cfg     VelocityConfig
	opts    VelocityOptions
	log     *slog.Logger
	mu      sync.Mutex
	records map[string][]SpendRecord
}

func NewVelocityTracker(cfg VelocityConfig, opts VelocityOptions) (*VelocityTracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &VelocityTracker{
		cfg:     cfg,
		opts:    opts,
		log:     logger.OrDefault(opts.Logger).With("component", "velocity"),
		records: map[string][]SpendRecord{},
	}, nil
}

func (v *VelocityTracker) Config() VelocityConfig { return v.cfg }

// Load restores records young enough to still matter.
func (v *VelocityTracker) Load(ctx context.Context) error {
	if v.opts.Store == nil {
		return nil
	}
	recs, err := v.opts.Store.LoadSpends(ctx, v.opts.Now().Add(-2*v.cfg.Window))
	if err != nil {
		return fmt.Errorf("load spend records: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range recs {
		v.records[r.Session] = append(v.records[r.Session], r)
	}
	return nil
}

func (v *VelocityTracker) CheckVelocity(session string, proposed, limit decimal.Decimal) VelocityCheck {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.check(session, proposed, limit, v.opts.Now())
}

func (v *VelocityTracker) check(session string, proposed, limit decimal.Decimal, now time.Time) VelocityCheck {
	total := decimal.Zero
	var oldest time.Time
	for _, r := range v.records[session] {
		if now.Sub(r.At) >= v.cfg.Window {
			continue
		}
		total = total.Add(r.AmountMon)
		if oldest.IsZero() || r.At.Before(oldest) {
			oldest = r.At
		}
	}
	res := VelocityCheck{
		Allowed:     !total.Add(proposed).GreaterThan(limit),
		WindowTotal: total,
		Proposed:    proposed,
		Limit:       limit,
		Remaining:   decimal.Max(limit.Sub(total), decimal.Zero),
	}
	if !res.Allowed && !oldest.IsZero() {
		res.WaitTime = oldest.Add(v.cfg.Window).Sub(now)
	}
	return res
}

// Record adds a spend without checking it.
func (v *VelocityTracker) Record(ctx context.Context, rec SpendRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.record(ctx, rec)
}

func (v *VelocityTracker) record(ctx context.Context, rec SpendRecord) error {
	if strings.TrimSpace(rec.Session) == "" {
		return clierr.New(clierr.CodeUsage, "spend record requires a session")
	}
	if rec.At.IsZero() {
		rec.At = v.opts.Now()
	}
	if v.opts.Store != nil {
		if err := v.opts.Store.AppendSpend(ctx, rec); err != nil {
			return clierr.Wrap(clierr.CodeUnavailable, "persist spend record", err)
		}
	}
	v.records[rec.Session] = append(v.records[rec.Session], rec)
	return nil
}

// Spend checks and records in one step so concurrent spends cannot both fit
// into the same headroom. With a Store the check runs against the persisted
// window, which every process shares.
func (v *VelocityTracker) Spend(ctx context.Context, rec SpendRecord, limit decimal.Decimal) (VelocityCheck, error) {
	if !rec.AmountMon.IsPositive() {
		return VelocityCheck{}, clierr.New(clierr.CodeUsage, "spend amount must be positive")
	}
	if strings.TrimSpace(rec.Session) == "" {
		return VelocityCheck{}, clierr.New(clierr.CodeUsage, "spend record requires a session")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.opts.Now()
	rec.At = now

	if v.opts.Store == nil {
		res := v.check(rec.Session, rec.AmountMon, limit, now)
		if !res.Allowed {
			return res, v.reject(res, rec, limit)
		}
		v.records[rec.Session] = append(v.records[rec.Session], rec)
		return res, nil
	}

	window, accepted, err := v.opts.Store.ReserveSpend(ctx, rec, now.Add(-v.cfg.Window), limit)
	if err != nil {
		return VelocityCheck{}, clierr.Wrap(clierr.CodeUnavailable, "reserve spend", err)
	}
	v.records[rec.Session] = window
	res := v.check(rec.Session, rec.AmountMon, limit, now)
	if !accepted {
		res.Allowed = false
		return res, v.reject(res, rec, limit)
	}
	res.Allowed, res.WaitTime = true, 0
	v.records[rec.Session] = append(v.records[rec.Session], rec)
	return res, nil
}

func (v *VelocityTracker) reject(res VelocityCheck, rec SpendRecord, limit decimal.Decimal) error {
	if v.opts.OnReject != nil {
		v.opts.OnReject(rec.Session)
	}
	v.log.Warn("velocity limit reached", "session", rec.Session, "window_total", res.WindowTotal.String(), "proposed", rec.AmountMon.String(), "limit", limit.String())
	return clierr.New(clierr.CodeVelocity, fmt.Sprintf("velocity limit: %s MON spent in the last %s, %s more would exceed %s; retry in %s",
		res.WindowTotal.String(), v.cfg.Window, rec.AmountMon.String(), limit.String(), res.WaitTime.Round(time.Millisecond)))
}

// Sweep drops records older than twice the window and returns how many were
// removed from memory.
func (v *VelocityTracker) Sweep(ctx context.Context) int {
	cutoff := v.opts.Now().Add(-2 * v.cfg.Window)
	v.mu.Lock()
	removed := 0
	for session, recs := range v.records {
		kept := recs[:0]
		for _, r := range recs {
			if r.At.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(v.records, session)
			continue
		}
		v.records[session] = kept
	}
	v.mu.Unlock()

	if v.opts.Store != nil {
		if _, err := v.opts.Store.PruneSpends(ctx, cutoff); err != nil {
			v.log.Error("prune spend records", "error", err)
		}
	}
	return removed
}

// StartSweeper runs Sweep every SweepInterval until ctx is done.
func (v *VelocityTracker) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(v.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := v.Sweep(ctx); n > 0 {
					v.log.Debug("swept spend records", "removed", n)
				}
			}
		}
	}()
}
