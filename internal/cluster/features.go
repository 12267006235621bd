// Package cluster groups active bot signatures into campaigns: a
// background engine extracts behavioral and spectral features per
// signature, builds a similarity graph and publishes immutable cluster
// snapshots for the membership detector to read.
package cluster

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/ocx/sentinel/internal/detect"
)

// minSpectralSamples is how many inter-arrival intervals the FFT needs
// before spectral features mean anything. Below it every spectral
// dimension reads neutral.
const minSpectralSamples = 9

const neutralFeature = 0.5

// featureSet is one signature's 12-dimensional fingerprint: nine numeric
// dimensions compared by weighted cosine, three categorical ones
// compared by equality.
type featureSet struct {
	Signature string

	// Numeric dimensions, each normalized into [0,1]:
	// timing regularity, request rate, path diversity, path entropy,
	// avg bot probability, spectral entropy, harmonic ratio,
	// peak sharpness, dominant frequency.
	Numeric [9]float64

	Country    string
	ASN        uint32
	Datacenter bool

	AvgBotProbability float64
	RequestRate       float64
	PathEntropy       float64
	TimingCV          float64
	Intervals         []float64
}

func extractFeatures(s detect.BehaviorSnapshot) featureSet {
	f := featureSet{
		Signature:         s.Signature,
		Country:           s.Country,
		ASN:               s.ASN,
		Datacenter:        s.Datacenter,
		AvgBotProbability: s.AvgBotProbability,
		RequestRate:       s.RequestRate,
		PathEntropy:       s.PathEntropy,
		TimingCV:          s.TimingCV,
		Intervals:         s.Intervals,
	}

	f.Numeric[0] = 1 - math.Min(1, s.TimingCV)
	f.Numeric[1] = s.RequestRate / (s.RequestRate + 1)
	f.Numeric[2] = math.Min(1, s.PathDiversity)
	f.Numeric[3] = math.Min(1, s.PathEntropy/6)
	f.Numeric[4] = s.AvgBotProbability

	sp := spectralFeatures(s.Intervals)
	copy(f.Numeric[5:], sp[:])
	return f
}

// spectralFeatures runs an FFT over the mean-centered interval series
// and reads four dimensions off the magnitude spectrum. Too-short series
// get the neutral substitute on every dimension.
func spectralFeatures(intervals []float64) [4]float64 {
	neutral := [4]float64{neutralFeature, neutralFeature, neutralFeature, neutralFeature}
	n := len(intervals)
	if n < minSpectralSamples {
		return neutral
	}

	centered := make([]float64, n)
	var mean float64
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(n)
	for i, v := range intervals {
		centered[i] = v - mean
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, centered)

	// Skip the DC bin; it is zero after centering anyway.
	mags := make([]float64, 0, len(coeffs)-1)
	var total, max float64
	peak := 1
	for i := 1; i < len(coeffs); i++ {
		m := cmplx.Abs(coeffs[i])
		mags = append(mags, m)
		total += m
		if m > max {
			max = m
			peak = i
		}
	}
	if total == 0 || len(mags) < 2 {
		return neutral
	}

	// Normalized spectral entropy: 0 for a pure tone, 1 for white noise.
	var entropy float64
	for _, m := range mags {
		p := m / total
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	entropy /= math.Log2(float64(len(mags)))

	// Energy concentrated at multiples of the dominant bin.
	var harmonic float64
	for k := peak; k < len(coeffs); k += peak {
		harmonic += cmplx.Abs(coeffs[k])
	}
	harmonic /= total

	avg := total / float64(len(mags))
	sharpness := 0.0
	if max > 0 {
		sharpness = 1 - avg/max
	}

	// Freq is in cycles per sample, topping out at 0.5 (Nyquist).
	dominant := 2 * fft.Freq(peak)

	return [4]float64{
		clamp01(entropy),
		clamp01(harmonic),
		clamp01(sharpness),
		clamp01(dominant),
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
