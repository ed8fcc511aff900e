// Package metrics implements the feature-space quality metrics comparing a
// synthetic set against a real reference set.
//
// Each Kind maps to a pure function of the accumulated statistics of both sets
// (and, for PRAuth, a one-class detector). Evaluation sequences the inputs of a
// single metric so that results are never computed from half-populated state.
package metrics

import (
	"strings"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/errdefs"
)

// Kind enumerates the supported metrics.
type Kind int

const (
	FID Kind = iota
	KID
	IS
	PR
	PRAuth
	PRDC
	KNN
)

// AllKinds lists every kind in canonical order.
var AllKinds = []Kind{FID, KID, IS, PR, PRAuth, PRDC, KNN}

var kindNames = map[Kind]string{
	FID:    "fid",
	KID:    "kid",
	IS:     "is",
	PR:     "pr",
	PRAuth: "pr_auth",
	PRDC:   "prdc",
	KNN:    "knn",
}

var kindAliases = map[string]Kind{
	"is_": IS,
}

// String returns the configuration name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses a single metric name.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	if k, ok := kindAliases[name]; ok {
		return k, nil
	}
	return 0, errdefs.Configf("metrics", "unknown metric %q", name)
}

// ParseKinds parses the configured metric list, dropping duplicates while
// keeping the first occurrence order.
func ParseKinds(names []string) ([]Kind, error) {
	if len(names) == 0 {
		return nil, errdefs.Configf("metrics", "no metrics requested")
	}
	seen := make(map[Kind]bool, len(names))
	kinds := make([]Kind, 0, len(names))
	for _, name := range names {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Requirements describes the statistics a kind consumes.
type Requirements struct {
	// Real is false when only the synthetic set is evaluated.
	Real bool
	// Moments and Raw select the statistics forms to accumulate.
	Moments bool
	Raw     bool
	// Probabilities selects class probabilities instead of features.
	Probabilities bool
}

// Requirements returns what k needs from the feature pipeline.
func (k Kind) Requirements() Requirements {
	switch k {
	case FID:
		return Requirements{Real: true, Moments: true}
	case KID, PR, PRAuth, PRDC, KNN:
		return Requirements{Real: true, Raw: true}
	case IS:
		return Requirements{Raw: true, Probabilities: true}
	}
	panic("metrics: unknown kind " + k.String())
}

// NhoodSize returns the neighbourhood size k uses, or 0 when it has none.
func (k Kind) NhoodSize(p Params) int {
	switch k {
	case PR:
		return p.NhoodSize.PR
	case PRDC:
		return p.NhoodSize.PRDC
	case PRAuth:
		return p.NhoodSize.PRAuth
	}
	return 0
}
