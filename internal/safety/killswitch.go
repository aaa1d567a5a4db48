package safety

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/launchguard/launchguard/internal/audit"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/logger"
)

type KillSwitchConfig struct {
	RequireConfirmation bool `json:"require_confirmation"`
	// ConfirmationTokenHash is the hex sha256 of the deactivation token.
	ConfirmationTokenHash string `json:"confirmation_token_hash,omitempty"`
}

func (c KillSwitchConfig) Validate() error {
	if !c.RequireConfirmation {
		return nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(c.ConfirmationTokenHash), "0x"))
	if err != nil || len(raw) != sha256.Size {
		return fmt.Errorf("killswitch: confirmation_token_hash must be a hex sha256 digest when confirmation is required")
	}
	return nil
}

// HashToken returns the value to configure as ConfirmationTokenHash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type KillSwitchState struct {
	Active             bool       `json:"active"`
	ActivatedAt        *time.Time `json:"activated_at,omitempty"`
	ActivatedBy        string     `json:"activated_by,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	ClearedSessions    int        `json:"cleared_sessions"`
	ClearedPlans       int        `json:"cleared_plans"`
	RequiresMultiParty bool       `json:"requires_multi_party"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivatedBy      string     `json:"deactivated_by,omitempty"`
}

// KillSwitchError is returned for every guarded action while the switch is
// active.
type KillSwitchError struct {
	Action      string
	ActivatedAt time.Time
	ActivatedBy string
	Reason      string
}

func (e *KillSwitchError) Error() string {
	return fmt.Sprintf("kill switch active since %s (by %s: %s); %s blocked",
		e.ActivatedAt.UTC().Format(time.RFC3339), e.ActivatedBy, e.Reason, e.Action)
}

func (e *KillSwitchError) Unwrap() error {
	return clierr.New(clierr.CodeKillSwitch, e.Error())
}

// StateStore persists kill switch state across processes.
type StateStore interface {
	LoadKillSwitch(ctx context.Context) (KillSwitchState, bool, error)
	SaveKillSwitch(ctx context.Context, state KillSwitchState) error
}

type Hooks struct {
	ClearQueuedPlans func(ctx context.Context) (int, error)
	RevokeSessions   func(ctx context.Context) (int, error)
}

type KillSwitchOptions struct {
	Hooks    Hooks
	Store    StateStore
	Audit    audit.Sink
	Logger   *slog.Logger
	Now      func() time.Time
	OnChange func(active bool)
}

// KillSwitch blocks every write path once activated. Readers see immutable
// snapshots; writers are serialized. With a Store, every check re-reads the
// persisted state so an activation from another process is honoured.
type KillSwitch struct {
	cfg   KillSwitchConfig
	opts  KillSwitchOptions
	log   *slog.Logger
	mu    sync.Mutex
	state atomic.Pointer[KillSwitchState]
	hooks atomic.Pointer[Hooks]
}

func NewKillSwitch(cfg KillSwitchConfig, opts KillSwitchOptions) (*KillSwitch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard{}
	}
	ks := &KillSwitch{cfg: cfg, opts: opts, log: logger.OrDefault(opts.Logger).With("component", "killswitch")}
	ks.state.Store(&KillSwitchState{RequiresMultiParty: cfg.RequireConfirmation})
	ks.hooks.Store(&opts.Hooks)
	return ks, nil
}

// SetHooks replaces the activation hooks. Services that depend on the switch
// are built after it, so hooks are wired late.
func (k *KillSwitch) SetHooks(h Hooks) {
	k.hooks.Store(&h)
}

// Load restores persisted state.
func (k *KillSwitch) Load(ctx context.Context) error {
	if _, err := k.Sync(ctx); err != nil {
		return fmt.Errorf("load kill switch state: %w", err)
	}
	return nil
}

// Sync adopts the persisted state when it is at least as recent as the local
// snapshot. Seeing an activation made elsewhere revokes local sessions.
func (k *KillSwitch) Sync(ctx context.Context) (KillSwitchState, error) {
	if k.opts.Store == nil {
		return k.State(), nil
	}
	loaded, ok, err := k.opts.Store.LoadKillSwitch(ctx)
	if err != nil {
		return k.State(), err
	}
	if !ok {
		return k.State(), nil
	}
	loaded.RequiresMultiParty = k.cfg.RequireConfirmation
	for {
		prev := k.state.Load()
		if !supersedes(*prev, loaded) {
			return *prev, nil
		}
		if !k.state.CompareAndSwap(prev, &loaded) {
			continue
		}
		if prev.Active != loaded.Active {
			k.notify(loaded.Active)
			if loaded.Active {
				k.log.Warn("kill switch activated by another process", "actor", loaded.ActivatedBy, "reason", loaded.Reason)
				if h := k.hooks.Load().RevokeSessions; h != nil {
					if _, err := h(ctx); err != nil {
						k.log.Error("revoke sessions", "error", err)
					}
				}
			}
		}
		return loaded, nil
	}
}

// supersedes reports whether loaded should replace cur. A persisted
// deactivation older than the local activation is stale.
func supersedes(cur, loaded KillSwitchState) bool {
	if cur.Active && !loaded.Active && cur.ActivatedAt != nil {
		return loaded.DeactivatedAt != nil && !loaded.DeactivatedAt.Before(*cur.ActivatedAt)
	}
	return true
}

// Watch syncs with the persisted state every interval until ctx is done.
func (k *KillSwitch) Watch(ctx context.Context, interval time.Duration) {
	if k.opts.Store == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := k.Sync(ctx); err != nil && ctx.Err() == nil {
					k.log.Error("sync kill switch state", "error", err)
				}
			}
		}
	}()
}

func (k *KillSwitch) State() KillSwitchState { return *k.state.Load() }

func (k *KillSwitch) Active() bool { return k.state.Load().Active }

// CheckAllowed fails for every action while the switch is active. It fails
// closed when the persisted state cannot be read.
func (k *KillSwitch) CheckAllowed(ctx context.Context, action string) error {
	st, err := k.Sync(ctx)
	if err != nil {
		return clierr.Wrap(clierr.CodeKillSwitch, fmt.Sprintf("kill switch state unavailable; %s blocked", action), err)
	}
	if !st.Active {
		return nil
	}
	e := &KillSwitchError{Action: action, ActivatedBy: st.ActivatedBy, Reason: st.Reason}
	if st.ActivatedAt != nil {
		e.ActivatedAt = *st.ActivatedAt
	}
	return e
}

// Activate flips the switch, then clears queued plans and revokes sessions
// before returning. Hook failures are reported but never undo activation.
func (k *KillSwitch) Activate(ctx context.Context, actor, reason string) (KillSwitchState, error) {
	if strings.TrimSpace(actor) == "" || strings.TrimSpace(reason) == "" {
		return k.State(), clierr.New(clierr.CodeUsage, "kill switch activation requires an actor and a reason")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.opts.Now().UTC()
	var errs []error
	if _, err := k.Sync(ctx); err != nil {
		errs = append(errs, fmt.Errorf("read kill switch state: %w", err))
	}
	next := *k.state.Load()
	if !next.Active {
		next = KillSwitchState{
			Active:             true,
			ActivatedAt:        &now,
			ActivatedBy:        actor,
			Reason:             reason,
			RequiresMultiParty: k.cfg.RequireConfirmation,
		}
	}
	// Other processes must see the switch before queued plans are cleared.
	if k.opts.Store != nil {
		if err := k.opts.Store.SaveKillSwitch(ctx, next); err != nil {
			errs = append(errs, fmt.Errorf("persist kill switch state: %w", err))
		}
	}
	k.state.Store(&next)
	k.notify(true)

	hooks := k.hooks.Load()
	if h := hooks.ClearQueuedPlans; h != nil {
		n, err := h(ctx)
		next.ClearedPlans += n
		if err != nil {
			errs = append(errs, fmt.Errorf("clear queued plans: %w", err))
		}
	}
	if h := hooks.RevokeSessions; h != nil {
		n, err := h(ctx)
		next.ClearedSessions += n
		if err != nil {
			errs = append(errs, fmt.Errorf("revoke sessions: %w", err))
		}
	}
	final := next
	k.state.Store(&final)

	if k.opts.Store != nil {
		if err := k.opts.Store.SaveKillSwitch(ctx, final); err != nil {
			errs = append(errs, fmt.Errorf("persist kill switch state: %w", err))
		}
	}
	hookErr := errors.Join(errs...)
	rec := audit.Record{
		Kind:          audit.KindKillSwitch,
		Timestamp:     now,
		Outcome:       audit.OutcomeSuccess,
		SecurityEvent: true,
		Actor:         actor,
		Reason:        reason,
	}
	if hookErr != nil {
		rec.Error = hookErr.Error()
	}
	if err := k.opts.Audit.Append(ctx, rec); err != nil {
		k.log.Error("audit kill switch activation", "error", err)
	}
	k.log.Warn("kill switch activated", "actor", actor, "reason", reason, "cleared_plans", final.ClearedPlans, "cleared_sessions", final.ClearedSessions)
	if hookErr != nil {
		return final, clierr.Wrap(clierr.CodeKillSwitch, "kill switch active but cleanup incomplete", hookErr)
	}
	return final, nil
}

// Deactivate re-enables execution. When confirmation is required the token
// must hash to the configured digest; a wrong token leaves the switch active.
// Every attempt is audited.
func (k *KillSwitch) Deactivate(ctx context.Context, actor, reason, token string) (KillSwitchState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.opts.Now().UTC()
	current, syncErr := k.Sync(ctx)
	rec := audit.Record{
		Kind:          audit.KindKillSwitch,
		Timestamp:     now,
		SecurityEvent: true,
		Actor:         actor,
		Reason:        reason,
	}
	fail := func(err *clierr.Error) (KillSwitchState, error) {
		rec.Outcome = audit.OutcomeBlocked
		rec.ErrorCode = clierr.TypeName(err.Code)
		rec.Error = err.Message
		if aerr := k.opts.Audit.Append(ctx, rec); aerr != nil {
			k.log.Error("audit kill switch deactivation", "error", aerr)
		}
		k.log.Warn("kill switch deactivation refused", "actor", actor, "error", err.Message)
		return current, err
	}

	if strings.TrimSpace(actor) == "" || strings.TrimSpace(reason) == "" {
		return fail(clierr.New(clierr.CodeUsage, "kill switch deactivation requires an actor and a reason"))
	}
	if syncErr != nil {
		return fail(clierr.Wrap(clierr.CodeUnavailable, "read kill switch state", syncErr))
	}
	if !current.Active {
		return fail(clierr.New(clierr.CodeUsage, "kill switch is not active"))
	}
	if k.cfg.RequireConfirmation && !k.tokenMatches(token) {
		return fail(clierr.SecurityBreach("kill switch confirmation token rejected"))
	}

	next := current
	next.Active = false
	next.DeactivatedAt = &now
	next.DeactivatedBy = actor
	if k.opts.Store != nil {
		if err := k.opts.Store.SaveKillSwitch(ctx, next); err != nil {
			return fail(clierr.Wrap(clierr.CodeUnavailable, "persist kill switch state", err))
		}
	}
	k.state.Store(&next)
	k.notify(false)

	rec.Outcome = audit.OutcomeSuccess
	if err := k.opts.Audit.Append(ctx, rec); err != nil {
		k.log.Error("audit kill switch deactivation", "error", err)
	}
	k.log.Warn("kill switch deactivated", "actor", actor, "reason", reason)
	return next, nil
}

func (k *KillSwitch) tokenMatches(token string) bool {
	want, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(k.cfg.ConfirmationTokenHash), "0x"))
	if err != nil {
		return false
	}
	got := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}

func (k *KillSwitch) notify(active bool) {
	if k.opts.OnChange != nil {
		k.opts.OnChange(active)
	}
}
