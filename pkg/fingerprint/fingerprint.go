// Package fingerprint derives the identifier that validates statistics cache
// reuse. Every input that can change an embedding or an accumulated statistic
// is hashed.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"math"
)

// Version is bumped whenever the encoding below or the layout of cached
// statistics changes.
const Version = 2

// DatasetDescriptor identifies the images fed to the extractor.
type DatasetDescriptor struct {
	// Identity is the dataset path plus anything else selecting its contents.
	Identity   string
	Name       string
	Size       int
	UseLabels  bool
	SubsetSeed int64
}

// ExtractorConfig identifies the network and its preprocessing.
type ExtractorConfig struct {
	NetworkIdentity string
	Channels        int
	Depth           int
	Height          int
	Width           int
	Padding         bool
	ValueMin        float64
	ValueMax        float64
	// Output is "features" or "probabilities".
	Output string
}

// MetricParams are the accumulation settings.
type MetricParams struct {
	Moments   bool
	Raw       bool
	NhoodSize int
	MaxItems  int
	Seed      int64
}

// Compute returns the hex fingerprint of the three inputs.
func Compute(ds DatasetDescriptor, ex ExtractorConfig, mp MetricParams) string {
	h := sha256.New()
	writeInt(h, Version)

	// Dataset
	writeString(h, ds.Identity)
	writeString(h, ds.Name)
	writeInt(h, int64(ds.Size))
	writeBool(h, ds.UseLabels)
	writeInt(h, ds.SubsetSeed)

	// Extractor
	writeString(h, ex.NetworkIdentity)
	writeInt(h, int64(ex.Channels))
	writeInt(h, int64(ex.Depth))
	writeInt(h, int64(ex.Height))
	writeInt(h, int64(ex.Width))
	writeBool(h, ex.Padding)
	writeFloat(h, ex.ValueMin)
	writeFloat(h, ex.ValueMax)
	writeString(h, ex.Output)

	// Metric parameters
	writeBool(h, mp.Moments)
	writeBool(h, mp.Raw)
	writeInt(h, int64(mp.NhoodSize))
	writeInt(h, int64(mp.MaxItems))
	writeInt(h, mp.Seed)

	return fmt.Sprintf("%x", h.Sum(nil))
}

// Short returns the first 12 characters of a fingerprint for logging.
func Short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Strings are length-prefixed so adjacent fields cannot run together.
func writeString(h hash.Hash, s string) {
	binary.Write(h, binary.LittleEndian, uint32(len(s)))
	h.Write([]byte(s))
}

func writeInt(h hash.Hash, v int64) {
	binary.Write(h, binary.LittleEndian, v)
}

func writeFloat(h hash.Hash, v float64) {
	binary.Write(h, binary.LittleEndian, math.Float64bits(v))
}

func writeBool(h hash.Hash, v bool) {
	var b uint8
	if v {
		b = 1
	}
	binary.Write(h, binary.LittleEndian, b)
}
