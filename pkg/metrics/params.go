package metrics

// NhoodSize holds the k of each k-NN based metric.
type NhoodSize struct {
	PR     int
	PRDC   int
	PRAuth int
}

// KNNParams sizes the qualitative neighbour grid.
type KNNParams struct {
	NumReal  int
	NumSynth int
}

// KIDParams controls kernel distance subsampling.
type KIDParams struct {
	NumSubsets    int
	MaxSubsetSize int
}

// Params are the tunables of every metric.
type Params struct {
	NhoodSize NhoodSize
	KNN       KNNParams
	KID       KIDParams
	// NumSplits is the number of contiguous splits for IS.
	NumSplits int
	// AlphaSteps is the resolution of the PRAuth alpha grid.
	AlphaSteps int
	// Seed drives KID subset sampling.
	Seed int64
}

// DefaultParams returns the standard metric settings.
func DefaultParams() Params {
	return Params{
		NhoodSize:  NhoodSize{PR: 3, PRDC: 5, PRAuth: 5},
		KNN:        KNNParams{NumReal: 3, NumSynth: 5},
		KID:        KIDParams{NumSubsets: 100, MaxSubsetSize: 1000},
		NumSplits:  10,
		AlphaSteps: 30,
		Seed:       0,
	}
}
