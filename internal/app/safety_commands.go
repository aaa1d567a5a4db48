package app

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/launchguard/launchguard/internal/safety"
	"github.com/launchguard/launchguard/internal/units"
)

func (s *runtimeState) newKillSwitchCommand() *cobra.Command {
	root := &cobra.Command{Use: "killswitch", Short: "Emergency stop for every write path"}

	var actor, reason, token string
	activate := mutating(&cobra.Command{
		Use:   "activate",
		Short: "Block all writes, clear queued plans and revoke sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := s.armedKillSwitch(cmd)
			if err != nil {
				return err
			}
			st, err := ks.Activate(cmd.Context(), strings.TrimSpace(actor), strings.TrimSpace(reason))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), st, nil, nil)
		},
	})
	activate.Flags().StringVar(&actor, "actor", "", "Who activates the switch")
	activate.Flags().StringVar(&reason, "reason", "", "Why the switch is activated")
	_ = activate.MarkFlagRequired("actor")
	_ = activate.MarkFlagRequired("reason")

	deactivate := mutating(&cobra.Command{
		Use:   "deactivate",
		Short: "Resume normal operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := s.armedKillSwitch(cmd)
			if err != nil {
				return err
			}
			st, err := ks.Deactivate(cmd.Context(), strings.TrimSpace(actor), strings.TrimSpace(reason), token)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), st, nil, nil)
		},
	})
	deactivate.Flags().StringVar(&actor, "actor", "", "Who deactivates the switch")
	deactivate.Flags().StringVar(&reason, "reason", "", "Why operation resumes")
	deactivate.Flags().StringVar(&token, "token", "", "Confirmation token when multi-party confirmation is required")
	_ = deactivate.MarkFlagRequired("actor")
	_ = deactivate.MarkFlagRequired("reason")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the kill switch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := s.svc.KillSwitch(cmd.Context())
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), ks.State(), nil, nil)
		},
	}

	root.AddCommand(activate, deactivate, status)
	return root
}

// armedKillSwitch loads the switch with hooks that clear queued plans from
// the store directly, so activation never depends on reaching the chain.
func (s *runtimeState) armedKillSwitch(cmd *cobra.Command) (*safety.KillSwitch, error) {
	ks, err := s.svc.KillSwitch(cmd.Context())
	if err != nil {
		return nil, err
	}
	s.svc.armKillSwitch(ks, nil)
	return ks, nil
}

func (s *runtimeState) newVelocityCommand() *cobra.Command {
	root := &cobra.Command{Use: "velocity", Short: "Per-session spend limits"}

	var session, amountMon, limitMon string
	check := &cobra.Command{
		Use:   "check",
		Short: "Check whether a spend fits the session's rolling window",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := units.ParseDecimal("--amount-mon", amountMon)
			if err != nil {
				return err
			}
			v, err := s.svc.Velocity(cmd.Context())
			if err != nil {
				return err
			}
			limit := v.Config().DefaultLimitMon
			if override, err := optionalDecimal("--limit-mon", limitMon); err != nil {
				return err
			} else if override != nil {
				limit = *override
			}
			res := v.CheckVelocity(strings.ToLower(strings.TrimSpace(session)), amount, limit)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil, nil)
		},
	}
	check.Flags().StringVar(&session, "session", "", "Session key (the wallet address)")
	check.Flags().StringVar(&amountMon, "amount-mon", "", "Proposed spend in MON")
	check.Flags().StringVar(&limitMon, "limit-mon", "", "Limit in MON (defaults to the configured limit)")
	_ = check.MarkFlagRequired("session")
	_ = check.MarkFlagRequired("amount-mon")
	root.AddCommand(check)
	return root
}
