package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/oneclass"
)

func mustFit(t *testing.T, real *mat.Dense) *oneclass.Detector {
	t.Helper()
	det, err := oneclass.Fit(real)
	require.NoError(t, err)
	return det
}
