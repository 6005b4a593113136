// Package audio turns PCM sample streams into analyser frames and reads and writes the
// 16-bit mono WAV files used for recordings.
package audio

import (
	"math"
	"math/cmplx"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/bosley/poise/features"
)

type AnalyserConfig struct {
	// Samples per snapshot. Must be a power of two; the frequency buffer holds half as many bins.
	FFTSize int `mapstructure:"fft_size"`
	// Time between snapshots, measured in stream time.
	Interval time.Duration `mapstructure:"interval"`
	// Weight of the previous magnitude when smoothing bins over time.
	Smoothing   float64 `mapstructure:"smoothing"`
	MinDecibels float64 `mapstructure:"min_decibels"`
	MaxDecibels float64 `mapstructure:"max_decibels"`
}

func DefaultAnalyserConfig() AnalyserConfig {
	return AnalyserConfig{
		FFTSize:     2048,
		Interval:    50 * time.Millisecond,
		Smoothing:   0.8,
		MinDecibels: -100,
		MaxDecibels: -30,
	}
}

// Analyser produces byte time-domain and frequency-domain snapshots of the most recent
// FFTSize samples, using the same conventions as a browser AnalyserNode.
//
// The byte slices in an emitted frame are reused by the next snapshot.
type Analyser struct {
	cfg        AnalyserConfig
	sampleRate int
	start      time.Time
	hop        int

	fft    *fourier.FFT
	window []float64
	ring   []float64
	pos    int

	total    int64
	sinceHop int

	seq    []float64
	coeff  []complex128
	smooth []float64
	td     []byte
	fd     []byte
}

func NewAnalyser(cfg AnalyserConfig, sampleRate int, start time.Time) *Analyser {
	n := cfg.FFTSize
	hop := int(float64(sampleRate) * cfg.Interval.Seconds())
	if hop < 1 {
		hop = 1
	}
	return &Analyser{
		cfg:        cfg,
		sampleRate: sampleRate,
		start:      start,
		hop:        hop,
		fft:        fourier.NewFFT(n),
		window:     blackman(n),
		ring:       make([]float64, n),
		seq:        make([]float64, n),
		coeff:      make([]complex128, n/2+1),
		smooth:     make([]float64, n/2),
		td:         make([]byte, n),
		fd:         make([]byte, n/2),
	}
}

func (a *Analyser) SampleRate() int { return a.sampleRate }

// Elapsed is the stream time covered by the samples written so far.
func (a *Analyser) Elapsed() time.Duration {
	return time.Duration(a.total) * time.Second / time.Duration(a.sampleRate)
}

// Write feeds samples and calls emit each time another Interval of audio has arrived.
// Frame timestamps are derived from sample position, not the wall clock.
func (a *Analyser) Write(samples []int16, emit func(features.AudioFrame) error) error {
	for _, s := range samples {
		a.ring[a.pos] = float64(s) / 32768
		a.pos = (a.pos + 1) % len(a.ring)
		a.total++
		a.sinceHop++
		if a.sinceHop < a.hop {
			continue
		}
		a.sinceHop = 0
		if err := emit(a.Snapshot()); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot analyses the current window.
func (a *Analyser) Snapshot() features.AudioFrame {
	n := len(a.ring)
	for i := 0; i < n; i++ {
		v := a.ring[(a.pos+i)%n]
		a.td[i] = toByte(128 * (v + 1))
		a.seq[i] = v * a.window[i]
	}

	a.coeff = a.fft.Coefficients(a.coeff, a.seq)

	span := a.cfg.MaxDecibels - a.cfg.MinDecibels
	for k := range a.fd {
		mag := cmplx.Abs(a.coeff[k]) / float64(n)
		a.smooth[k] = a.cfg.Smoothing*a.smooth[k] + (1-a.cfg.Smoothing)*mag
		if a.smooth[k] <= 0 || span <= 0 {
			a.fd[k] = 0
			continue
		}
		db := 20 * math.Log10(a.smooth[k])
		a.fd[k] = toByte(255 * (db - a.cfg.MinDecibels) / span)
	}

	return features.AudioFrame{
		Time:       a.start.Add(a.Elapsed()),
		TimeDomain: a.td,
		FreqDomain: a.fd,
		SampleRate: a.sampleRate,
	}
}

func blackman(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return w
}

func toByte(v float64) byte {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v)
}
