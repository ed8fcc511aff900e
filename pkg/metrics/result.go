package metrics

import (
	"sort"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/knn"
)

// NeighbourGroup is one row of the qualitative k-NN grid: a real sample and
// its closest synthetic samples.
type NeighbourGroup struct {
	Real      int             `json:"real"`
	Distance  float64         `json:"distance"`
	Synthetic []knn.Neighbour `json:"synthetic"`
}

// Result is the outcome of one metric. It is not modified after creation;
// use the accessors rather than mutating the maps.
type Result struct {
	Kind       Kind               `json:"metric"`
	Values     map[string]float64 `json:"results"`
	Neighbours []NeighbourGroup   `json:"neighbours,omitempty"`
}

func newResult(kind Kind, values map[string]float64) *Result {
	return &Result{Kind: kind, Values: values}
}

// Value returns a named value.
func (r *Result) Value(name string) (float64, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// Names returns the value names in sorted order.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Values))
	for name := range r.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
