package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/launchguard/launchguard/internal/agent"
	"github.com/launchguard/launchguard/internal/consensus"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/storage"
)

func (s *runtimeState) newConsensusCommand() *cobra.Command {
	root := &cobra.Command{Use: "consensus", Short: "Combine agent opinions into a decision"}

	var opinionsPath, token string
	build := mutating(&cobra.Command{
		Use:   "build",
		Short: "Build and persist a decision from a JSON array of opinions",
		RunE: func(cmd *cobra.Command, args []string) error {
			opinions, err := readOpinions(opinionsPath)
			if err != nil {
				return err
			}
			d, err := s.buildDecision(cmd, opinions, token)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), d, nil, nil)
		},
	})
	build.Flags().StringVar(&opinionsPath, "opinions", "", "Path to a JSON array of agent opinions (- for stdin)")
	build.Flags().StringVar(&token, "token", "", "Target token address")
	_ = build.MarkFlagRequired("opinions")
	root.AddCommand(build)
	return root
}

func (s *runtimeState) buildDecision(cmd *cobra.Command, opinions []agent.Opinion, token string) (consensus.FinalDecision, error) {
	engine, err := consensus.NewEngine(s.settings.Consensus, consensus.Options{Now: s.runner.now})
	if err != nil {
		return consensus.FinalDecision{}, clierr.Wrap(clierr.CodeUsage, "configure consensus", err)
	}
	d, err := engine.Build(opinions, strings.TrimSpace(token))
	if err != nil {
		return consensus.FinalDecision{}, clierr.Wrap(clierr.CodeUsage, "build decision", err)
	}
	st, err := s.svc.Store()
	if err != nil {
		return consensus.FinalDecision{}, err
	}
	if err := st.Decisions().Save(cmd.Context(), d); err != nil {
		return consensus.FinalDecision{}, clierr.Wrap(clierr.CodeUnavailable, "save decision", err)
	}
	s.svc.metrics.DecisionBuilt(string(d.Status))
	s.svc.log.Info("decision built", "decision_id", d.ID, "status", d.Status, "rule", d.TriggeredRule)
	return d, nil
}

func (s *runtimeState) newDecisionCommand() *cobra.Command {
	root := &cobra.Command{Use: "decision", Short: "Inspect persisted decisions"}
	var decisionID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := s.loadDecision(cmd, decisionID)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), d, nil, nil)
		},
	}
	show.Flags().StringVar(&decisionID, "decision-id", "", "Decision identifier")
	_ = show.MarkFlagRequired("decision-id")
	root.AddCommand(show)
	return root
}

func (s *runtimeState) loadDecision(cmd *cobra.Command, id string) (consensus.FinalDecision, error) {
	st, err := s.svc.Store()
	if err != nil {
		return consensus.FinalDecision{}, err
	}
	d, err := st.Decisions().Get(cmd.Context(), strings.TrimSpace(id))
	if errors.Is(err, storage.ErrDecisionNotFound) {
		return consensus.FinalDecision{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("decision %s not found", id))
	}
	if err != nil {
		return consensus.FinalDecision{}, clierr.Wrap(clierr.CodeUnavailable, "load decision", err)
	}
	return d, nil
}

// readOpinions decodes and validates every opinion. A trap assessment on a
// non-adversarial opinion is rejected by the decoder.
func readOpinions(path string) ([]agent.Opinion, error) {
	buf, err := readInput(path)
	if err != nil {
		return nil, err
	}
	var opinions []agent.Opinion
	if err := json.Unmarshal(buf, &opinions); err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "decode opinions", err)
	}
	return opinions, nil
}

func readInput(path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, clierr.New(clierr.CodeUsage, "input path is required")
	}
	var (
		buf []byte
		err error
	)
	if path == "-" {
		buf, err = io.ReadAll(os.Stdin)
	} else {
		buf, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "read "+path, err)
	}
	return buf, nil
}
