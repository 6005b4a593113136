// Package features turns single capture frames into normalized delivery features.
//
// Nothing here returns an error: empty buffers and partial landmark sets resolve to
// neutral values so a capture callback can never be interrupted by bad input.
package features

import (
	"math"
	"time"
)

// AudioFrame is one analyser snapshot. Buffers follow the WebAudio byte conventions:
// time-domain samples are centered on 128, frequency bins are 0..255 magnitudes.
type AudioFrame struct {
	Time       time.Time
	TimeDomain []byte
	FreqDomain []byte
	SampleRate int
}

type Audio struct {
	RMS        float64  `json:"rms"`
	Peak       float64  `json:"peak"`
	PitchHz    *float64 `json:"pitchHz"`
	Clarity    float64  `json:"clarity"`
	Brightness float64  `json:"brightness"`
	Noisiness  float64  `json:"noisiness"`
}

type AudioConfig struct {
	// Frames quieter than this never get a pitch estimate.
	SilenceFloor float64 `mapstructure:"silence_floor"`

	PitchMinHz float64 `mapstructure:"pitch_min_hz"`
	PitchMaxHz float64 `mapstructure:"pitch_max_hz"`

	// Estimates outside the sanity band are discarded.
	PitchSaneMinHz float64 `mapstructure:"pitch_sane_min_hz"`
	PitchSaneMaxHz float64 `mapstructure:"pitch_sane_max_hz"`

	// Bin-position split between low/mid and mid/high bands, as fractions of the bin count.
	LowSplit float64 `mapstructure:"low_split"`
	MidSplit float64 `mapstructure:"mid_split"`
}

func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SilenceFloor:   0.02,
		PitchMinHz:     80,
		PitchMaxHz:     320,
		PitchSaneMinHz: 70,
		PitchSaneMaxHz: 400,
		LowSplit:       0.20,
		MidSplit:       0.55,
	}
}

// ExtractAudio computes the per-frame voice features. It does not allocate.
func ExtractAudio(cfg AudioConfig, frame AudioFrame) Audio {
	rms := calcRMS(frame.TimeDomain)
	out := Audio{
		RMS:  rms,
		Peak: calcPeak(frame.TimeDomain),
	}
	if rms >= cfg.SilenceFloor {
		out.PitchHz = estimatePitch(cfg, frame.TimeDomain, frame.SampleRate)
	}
	out.Clarity, out.Brightness, out.Noisiness = estimateSpectral(cfg, frame.FreqDomain)
	return out
}

func sample(b byte) float64 {
	return (float64(b) - 128) / 128
}

func calcRMS(td []byte) float64 {
	if len(td) == 0 {
		return 0
	}
	var sum float64
	for _, b := range td {
		v := sample(b)
		sum += v * v
	}
	return Clamp01(math.Sqrt(sum / float64(len(td))))
}

func calcPeak(td []byte) float64 {
	var p float64
	for _, b := range td {
		if v := math.Abs(sample(b)); v > p {
			p = v
		}
	}
	return Clamp01(p)
}

func estimatePitch(cfg AudioConfig, td []byte, sampleRate int) *float64 {
	if sampleRate <= 0 || cfg.PitchMinHz <= 0 || cfg.PitchMaxHz <= cfg.PitchMinHz {
		return nil
	}
	sr := float64(sampleRate)
	minLag := int(math.Floor(sr / cfg.PitchMaxHz))
	maxLag := int(math.Floor(sr / cfg.PitchMinHz))
	if minLag < 1 {
		minLag = 1
	}
	if maxLag > len(td)-1 {
		maxLag = len(td) - 1
	}

	bestLag := -1
	best := 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var sum float64
		for i := 0; i < len(td)-lag; i++ {
			sum += sample(td[i]) * sample(td[i+lag])
		}
		if sum > best {
			best = sum
			bestLag = lag
		}
	}
	if bestLag <= 0 {
		return nil
	}

	hz := sr / float64(bestLag)
	if math.IsNaN(hz) || math.IsInf(hz, 0) {
		return nil
	}
	if hz < cfg.PitchSaneMinHz || hz > cfg.PitchSaneMaxHz {
		return nil
	}
	return &hz
}

func estimateSpectral(cfg AudioConfig, freq []byte) (clarity, brightness, noisiness float64) {
	n := len(freq)
	if n == 0 {
		return 0, 0, 0
	}

	iLow := int(math.Floor(float64(n) * cfg.LowSplit))
	iMid := int(math.Floor(float64(n) * cfg.MidSplit))

	var low, mid, high, total float64
	for i, b := range freq {
		v := float64(b) / 255
		p := v * v
		total += p
		switch {
		case i < iLow:
			low += p
		case i < iMid:
			mid += p
		default:
			high += p
		}
	}
	if total <= 1e-9 {
		return 0, 0, 0
	}

	low /= total
	mid /= total
	high /= total

	brightness = Clamp01(high * 1.8)
	clarity = Clamp01((mid-low*0.4-high*0.2)*2.2 + 0.4)
	noisiness = Clamp01(high*1.2 + (1-mid)*0.4 - 0.2)
	return clarity, brightness, noisiness
}

// Clamp01 bounds v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
