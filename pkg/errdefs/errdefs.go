// Package errdefs defines the error taxonomy shared by the metric pipeline.
//
// Configuration and distributed-initialisation errors abort a run. Shape and
// sample-count errors are scoped to a single metric. Cache corruption is
// recovered locally as a cache miss.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports missing or inconsistent dataset or metric parameters.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigurationError for field.
func Configf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ShapeMismatchError reports incompatible image or embedding dimensions.
type ShapeMismatchError struct {
	What     string
	Expected string
	Got      string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for %s: expected %s, got %s", e.What, e.Expected, e.Got)
}

// ShapeMismatch builds a ShapeMismatchError with integer dimensions.
func ShapeMismatch(what string, expected, got interface{}) error {
	return &ShapeMismatchError{What: what, Expected: fmt.Sprint(expected), Got: fmt.Sprint(got)}
}

// InsufficientSamplesError reports a set too small for the requested computation.
type InsufficientSamplesError struct {
	Set      string
	Have     int
	Required int
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("insufficient samples in %s set: have %d, need at least %d", e.Set, e.Have, e.Required)
}

// InsufficientSamples builds an InsufficientSamplesError.
func InsufficientSamples(set string, have, required int) error {
	return &InsufficientSamplesError{Set: set, Have: have, Required: required}
}

// CacheCorruptionError reports a malformed or mismatching cache entry.
type CacheCorruptionError struct {
	Key    string
	Reason string
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s: %s", e.Key, e.Reason)
}

// DistributedInitError reports a rank setup or synchronisation failure.
type DistributedInitError struct {
	Rank   int
	Reason string
	Err    error
}

func (e *DistributedInitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("distributed init failed on rank %d: %s: %v", e.Rank, e.Reason, e.Err)
	}
	return fmt.Sprintf("distributed init failed on rank %d: %s", e.Rank, e.Reason)
}

func (e *DistributedInitError) Unwrap() error { return e.Err }

// MetricError attaches the failing metric name to an error.
type MetricError struct {
	Metric string
	Err    error
}

func (e *MetricError) Error() string {
	return fmt.Sprintf("metric %s: %v", e.Metric, e.Err)
}

func (e *MetricError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	var distErr *DistributedInitError
	return errors.As(err, &cfgErr) || errors.As(err, &distErr)
}

// IsSkip reports whether err means a metric was skipped rather than failed.
func IsSkip(err error) bool {
	var insufficient *InsufficientSamplesError
	return errors.As(err, &insufficient)
}
