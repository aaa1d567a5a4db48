package audit

import (
	"sort"
	"strings"
)

type TraceQuery struct {
	TxHash        string
	CorrelationID string
	PlanID        string
}

func (q TraceQuery) Empty() bool {
	return strings.TrimSpace(q.TxHash) == "" && strings.TrimSpace(q.CorrelationID) == "" && strings.TrimSpace(q.PlanID) == ""
}

// Trace returns every record linked to the query. A transaction hash expands
// to its correlation and plan, so the result covers the whole chain from
// decision to broadcast, in timestamp order.
func Trace(records []Record, q TraceQuery) []Record {
	correlations := map[string]bool{}
	plans := map[string]bool{}
	if v := strings.TrimSpace(q.CorrelationID); v != "" {
		correlations[v] = true
	}
	if v := strings.TrimSpace(q.PlanID); v != "" {
		plans[v] = true
	}
	if tx := strings.TrimSpace(q.TxHash); tx != "" {
		for _, r := range records {
			if strings.EqualFold(r.TxHash, tx) {
				if r.CorrelationID != "" {
					correlations[r.CorrelationID] = true
				}
				if r.PlanID != "" {
					plans[r.PlanID] = true
				}
			}
		}
	}

	out := make([]Record, 0)
	for _, r := range records {
		if (r.CorrelationID != "" && correlations[r.CorrelationID]) || (r.PlanID != "" && plans[r.PlanID]) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
