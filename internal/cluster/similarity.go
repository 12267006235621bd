package cluster

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Similarity weights. The numeric lane carries most of the signal; the
// categorical lane (where the traffic comes from) refines it. Temporal
// cross-correlation folds in only when both sides have interval series.
const (
	numericWeight     = 0.70
	categoricalWeight = 0.30

	countryShare    = 0.4
	asnShare        = 0.4
	datacenterShare = 0.2

	temporalWeight = 0.15

	minCorrelationSamples = 4
)

// Embedder maps a privacy-safe textual summary of a signature's behavior
// to a dense vector. Optional; nil disables the semantic lane.
type Embedder interface {
	Embed(summary string) ([]float64, error)
}

// similarity scores two feature sets in [0,1].
func similarity(a, b featureSet, semantic float64, semanticWeight float64) float64 {
	heuristic := numericWeight*cosine(a.Numeric[:], b.Numeric[:]) + categoricalWeight*categorical(a, b)

	blended := heuristic
	if semanticWeight > 0 && semantic >= 0 {
		blended = semanticWeight*semantic + (1-semanticWeight)*heuristic
	}

	if corr, ok := temporalCorrelation(a.Intervals, b.Intervals); ok {
		blended = (1-temporalWeight)*blended + temporalWeight*corr
	}
	return clamp01(blended)
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func categorical(a, b featureSet) float64 {
	score := 0.0
	if a.Country != "" && a.Country == b.Country {
		score += countryShare
	}
	if a.ASN != 0 && a.ASN == b.ASN {
		score += asnShare
	}
	if a.Datacenter == b.Datacenter {
		score += datacenterShare
	}
	return score
}

// temporalCorrelation measures whether two signatures fire in lockstep:
// the normalized peak of the FFT-based cross-correlation of their
// mean-centered interval series.
func temporalCorrelation(a, b []float64) (float64, bool) {
	if len(a) < minCorrelationSamples || len(b) < minCorrelationSamples {
		return 0, false
	}

	n := 1
	for n < len(a)+len(b) {
		n <<= 1
	}
	pa := padCentered(a, n)
	pb := padCentered(b, n)

	fft := fourier.NewFFT(n)
	ca := fft.Coefficients(nil, pa)
	cb := fft.Coefficients(nil, pb)
	for i := range ca {
		ca[i] *= cmplx.Conj(cb[i])
	}
	corr := fft.Sequence(nil, ca)

	var peak float64
	for _, v := range corr {
		if av := math.Abs(v); av > peak {
			peak = av
		}
	}
	// Sequence is the unnormalized inverse; undo the length scaling.
	peak /= float64(n)

	norm := math.Sqrt(energy(pa) * energy(pb))
	if norm == 0 {
		return 0, false
	}
	return clamp01(peak / norm), true
}

func padCentered(xs []float64, n int) []float64 {
	var mean float64
	for _, v := range xs {
		mean += v
	}
	mean /= float64(len(xs))

	out := make([]float64, n)
	for i, v := range xs {
		out[i] = v - mean
	}
	return out
}

func energy(xs []float64) float64 {
	var e float64
	for _, v := range xs {
		e += v * v
	}
	return e
}
