package errdefs

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
		skip  bool
	}{
		{"config", Configf("metrics", "unknown metric %q", "foo"), true, false},
		{"distributed", &DistributedInitError{Rank: 2, Reason: "dial"}, true, false},
		{"insufficient", InsufficientSamples("real", 3, 6), false, true},
		{"shape", ShapeMismatch("channels", 3, 2), false, false},
		{"wrapped config", errors.Wrap(Configf("", "bad"), "load"), true, false},
		{"metric wrapped skip", &MetricError{Metric: "prdc", Err: InsufficientSamples("synthetic", 1, 6)}, false, true},
		{"plain", errors.New("boom"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
			assert.Equal(t, tt.skip, IsSkip(tt.err))
		})
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "configuration error: run.batch_size: must be > 0",
		Configf("run.batch_size", "must be > 0").Error())
	assert.Equal(t, "shape mismatch for channels: expected 3, got 2",
		ShapeMismatch("channels", 3, 2).Error())
	assert.Equal(t, "insufficient samples in real set: have 3, need at least 6",
		InsufficientSamples("real", 3, 6).Error())

	inner := errors.New("connection refused")
	distErr := &DistributedInitError{Rank: 1, Reason: "dial coordinator", Err: inner}
	assert.True(t, errors.Is(distErr, inner))
}
