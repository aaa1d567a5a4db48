package app

import (
	"github.com/spf13/cobra"

	"github.com/launchguard/launchguard/internal/audit"
	clierr "github.com/launchguard/launchguard/internal/errors"
)

func (s *runtimeState) newAuditCommand() *cobra.Command {
	root := &cobra.Command{Use: "audit", Short: "Inspect the append-only audit trail"}

	var q audit.TraceQuery
	trace := &cobra.Command{
		Use:   "trace",
		Short: "Trace a transaction, correlation or plan back to its decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if q.Empty() {
				return clierr.New(clierr.CodeUsage, "one of --tx-hash, --correlation-id or --plan-id is required")
			}
			file, err := s.svc.AuditFile()
			if err != nil {
				return err
			}
			records, err := file.Records(cmd.Context())
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "read audit log", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), audit.Trace(records, q), nil, nil)
		},
	}
	trace.Flags().StringVar(&q.TxHash, "tx-hash", "", "Transaction hash")
	trace.Flags().StringVar(&q.CorrelationID, "correlation-id", "", "Submission correlation identifier")
	trace.Flags().StringVar(&q.PlanID, "plan-id", "", "Plan identifier")
	root.AddCommand(trace)
	return root
}
