package knn

import (
	"math"
)

// DistanceFunc is a function type for calculating distance between two vectors
type DistanceFunc func(a, b []float64) float64

// EuclideanDistance calculates the Euclidean (L2) distance between two vectors
// Formula: sqrt(Σ(a[i] - b[i])²)
func EuclideanDistance(a, b []float64) float64 {
	return math.Sqrt(SquaredEuclideanDistance(a, b))
}

// SquaredEuclideanDistance calculates the squared Euclidean distance
// Faster than EuclideanDistance since it skips the sqrt operation
// Formula: Σ(a[i] - b[i])²
func SquaredEuclideanDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		panic("vectors must have the same dimension")
	}

	var sum float64

	for i := 0; i < len(a); i++ {
		diff := a[i] - b[i]
		sum += diff * diff
	}

	return sum
}

// Norm returns the Euclidean length of a.
func Norm(a []float64) float64 {
	var sum float64
	for _, v := range a {
		sum += v * v
	}
	return math.Sqrt(sum)
}
