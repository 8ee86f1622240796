package reconcile

import (
	"sigs.k8s.io/yaml"

	"github.com/co-cddo/ndx-canary/internal/distribution"
)

// Plan lists the changes a reconcile run would make. Ids of resources that do
// not exist yet appear as "pending:<name>".
type Plan struct {
	RunID          string                `json:"runId"`
	DistributionID string                `json:"distributionId"`
	ETag           string                `json:"etag"`
	Changes        []distribution.Change `json:"changes"`
	Drift          []distribution.Change `json:"drift,omitempty"`
}

// UpToDate reports whether a run would write nothing. Drift does not count;
// a run never rewrites it.
func (p *Plan) UpToDate() bool {
	return len(p.Changes) == 0
}

// YAML renders the plan for operators.
func (p *Plan) YAML() ([]byte, error) {
	return yaml.Marshal(p)
}
