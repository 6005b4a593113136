// Package aggregate folds per-frame features into fixed-size running session statistics.
//
// Every type here is single-session and lock-free. Push is O(1) and never allocates, so it
// can run inline in a capture callback; callers with concurrent producers must serialize.
package aggregate

import (
	"errors"
	"math"
	"time"

	"github.com/bosley/poise/features"
)

var ErrFinalized = errors.New("aggregate: session already finalized; call Reset to reuse")

type Config struct {
	// Length of the opening window tracked separately for first-impression values.
	FirstWindow time.Duration `mapstructure:"first_window"`
	// Gaps between active samples at or above this are not counted as active time.
	MaxGap time.Duration `mapstructure:"max_gap"`
	// RMS at or above this marks an audio frame as speech.
	SpeechFloor float64 `mapstructure:"speech_floor"`
	// Blink hysteresis on eyeOpen: count below Low, re-arm above High.
	BlinkLow  float64 `mapstructure:"blink_low"`
	BlinkHigh float64 `mapstructure:"blink_high"`
}

func DefaultConfig() Config {
	return Config{
		FirstWindow: 10 * time.Second,
		MaxGap:      200 * time.Millisecond,
		SpeechFloor: 0.03,
		BlinkLow:    0.20,
		BlinkHigh:   0.28,
	}
}

type stat struct {
	sum   float64
	sumSq float64
	n     int
}

func (s *stat) add(v float64) {
	s.sum += v
	s.sumSq += v * v
	s.n++
}

func (s stat) mean(fallback float64) float64 {
	if s.n == 0 {
		return fallback
	}
	return s.sum / float64(s.n)
}

func (s stat) std() float64 {
	if s.n < 2 {
		return 0
	}
	m := s.sum / float64(s.n)
	return math.Sqrt(math.Max(0, s.sumSq/float64(s.n)-m*m))
}

// Window tracks a fixed set of [0,1] channels over one session.
type Window struct {
	start       time.Time
	cutoff      time.Time
	firstWindow time.Duration
	maxGap      time.Duration

	all      []stat
	first    []stat
	fallback []float64

	active     time.Duration
	lastActive time.Time
	hasActive  bool
	seenActive bool

	finalized bool
}

// NewWindow creates a window with one channel per fallback value. The fallback is the
// session average reported when no samples arrive.
func NewWindow(start time.Time, firstWindow, maxGap time.Duration, fallback []float64) *Window {
	w := &Window{
		firstWindow: firstWindow,
		maxGap:      maxGap,
		all:         make([]stat, len(fallback)),
		first:       make([]stat, len(fallback)),
		fallback:    append([]float64(nil), fallback...),
	}
	w.Reset(start)
	return w
}

// Reset clears all state and starts a new session at start.
func (w *Window) Reset(start time.Time) {
	w.start = start
	w.cutoff = start.Add(w.firstWindow)
	for i := range w.all {
		w.all[i] = stat{}
		w.first[i] = stat{}
	}
	w.active = 0
	w.lastActive = time.Time{}
	w.hasActive = false
	w.seenActive = false
	w.finalized = false
}

// Push adds one sample. Values beyond the channel count are ignored. When active is
// false the sample still counts toward the averages but breaks the active run.
func (w *Window) Push(t time.Time, values []float64, active bool) error {
	if w.finalized {
		return ErrFinalized
	}
	inFirst := !t.After(w.cutoff)
	for i := range w.all {
		if i >= len(values) {
			break
		}
		v := features.Clamp01(values[i])
		w.all[i].add(v)
		if inFirst {
			w.first[i].add(v)
		}
	}
	w.mark(t, active)
	return nil
}

// Idle records a tick that carried no sample, e.g. a detector frame without a face.
func (w *Window) Idle(t time.Time) error {
	if w.finalized {
		return ErrFinalized
	}
	w.mark(t, false)
	return nil
}

func (w *Window) mark(t time.Time, active bool) {
	if !active {
		w.hasActive = false
		return
	}
	// lastActive only moves forward, so no span is counted twice.
	if w.seenActive && !t.After(w.lastActive) {
		return
	}
	if w.hasActive {
		if gap := t.Sub(w.lastActive); gap < w.maxGap {
			w.active += gap
		}
	}
	w.lastActive = t
	w.hasActive = true
	w.seenActive = true
}

// Summary is the finalized view of a Window.
type Summary struct {
	Mean        []float64
	Std         []float64
	First       []float64
	Samples     int
	FirstCount  int
	Active      time.Duration
	Elapsed     time.Duration
	FirstWindow bool // true when the opening window captured at least one sample
}

// Finalize returns the session statistics and closes the window to further pushes.
// Calling it again returns the same figures for the same now.
func (w *Window) Finalize(now time.Time) Summary {
	w.finalized = true

	s := Summary{
		Mean:   make([]float64, len(w.all)),
		Std:    make([]float64, len(w.all)),
		First:  make([]float64, len(w.all)),
		Active: w.active,
	}
	if len(w.all) > 0 {
		s.Samples = w.all[0].n
		s.FirstCount = w.first[0].n
	}
	s.FirstWindow = s.FirstCount > 0
	if el := now.Sub(w.start); el > 0 {
		s.Elapsed = el
	}
	for i := range w.all {
		s.Mean[i] = w.all[i].mean(w.fallback[i])
		s.Std[i] = w.all[i].std()
		s.First[i] = w.first[i].mean(s.Mean[i])
	}
	return s
}

func (w *Window) Start() time.Time { return w.start }
