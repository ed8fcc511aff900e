package runner

import (
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/embedding"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/metrics"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/pipeline"
)

// Pass roles. Every rank runs the passes of a run in this order.
const (
	RoleReal          = "real"
	RoleSynthetic     = "synthetic"
	RoleProbabilities = "synthetic-probabilities"
)

// Pass is one extraction over a dataset, shared by every metric that consumes
// its statistics.
type Pass struct {
	Role string
	// Synthetic selects the synthetic source instead of the real dataset.
	Synthetic bool
	Want      pipeline.Want
	Kinds     []metrics.Kind
}

// Plan groups kinds into the passes that feed them. Kinds sharing a dataset
// and output share one pass, capturing the union of the forms they need.
func Plan(kinds []metrics.Kind, p metrics.Params) []Pass {
	realPass := Pass{Role: RoleReal, Want: pipeline.Want{Output: embedding.Features}}
	synthPass := Pass{Role: RoleSynthetic, Synthetic: true, Want: pipeline.Want{Output: embedding.Features}}
	probPass := Pass{Role: RoleProbabilities, Synthetic: true, Want: pipeline.Want{Output: embedding.Probabilities}}

	for _, k := range kinds {
		req := k.Requirements()
		if req.Probabilities {
			addKind(&probPass, k, req, 0)
			continue
		}
		nhood := k.NhoodSize(p)
		addKind(&synthPass, k, req, nhood)
		if req.Real {
			addKind(&realPass, k, req, nhood)
		}
	}

	var out []Pass
	for _, ps := range []Pass{realPass, synthPass, probPass} {
		if len(ps.Kinds) > 0 {
			out = append(out, ps)
		}
	}
	return out
}

func addKind(ps *Pass, k metrics.Kind, req metrics.Requirements, nhood int) {
	ps.Kinds = append(ps.Kinds, k)
	ps.Want.Moments = ps.Want.Moments || req.Moments
	ps.Want.Raw = ps.Want.Raw || req.Raw
	if req.Raw && nhood > ps.Want.NhoodSize {
		ps.Want.NhoodSize = nhood
	}
}
