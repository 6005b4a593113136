package aggregate

import (
	"math"
	"time"

	"github.com/bosley/poise/features"
)

const (
	chRMS = iota
	chPeak
	chClarity
	chBrightness
	chNoisiness
	audioChannels
)

// VoiceLevels are channel averages over some span of the session.
type VoiceLevels struct {
	RMS        float64 `json:"rms"`
	Peak       float64 `json:"peak"`
	Clarity    float64 `json:"clarity"`
	Brightness float64 `json:"brightness"`
	Noisiness  float64 `json:"noisiness"`
}

func voiceLevels(v []float64) VoiceLevels {
	return VoiceLevels{
		RMS:        v[chRMS],
		Peak:       v[chPeak],
		Clarity:    v[chClarity],
		Brightness: v[chBrightness],
		Noisiness:  v[chNoisiness],
	}
}

type VoiceSummary struct {
	VoiceLevels
	First VoiceLevels `json:"first"`

	// RMS spread scaled into [0,1]; a proxy for vocal dynamics.
	Modulation float64  `json:"modulation"`
	PitchHz    *float64 `json:"pitchHz"`
	PitchStdHz *float64 `json:"pitchStdHz"`

	SpeechSec   float64 `json:"speechSec"`
	MeasuredSec float64 `json:"measuredSec"`
	SpeechRatio float64 `json:"speechRatio"`

	Frames      int `json:"frames"`
	FirstFrames int `json:"firstFrames"`
}

// Audio aggregates voice features. Speech time accumulates across consecutive frames
// whose RMS is at or above the speech floor.
type Audio struct {
	cfg   Config
	win   *Window
	pitch stat
}

func NewAudio(cfg Config, start time.Time) *Audio {
	// Silence is the neutral voice: a session with no frames reports zero levels.
	return &Audio{
		cfg: cfg,
		win: NewWindow(start, cfg.FirstWindow, cfg.MaxGap, make([]float64, audioChannels)),
	}
}

func (a *Audio) Reset(start time.Time) {
	a.win.Reset(start)
	a.pitch = stat{}
}

func (a *Audio) Push(t time.Time, f features.Audio) error {
	var v [audioChannels]float64
	v[chRMS] = f.RMS
	v[chPeak] = f.Peak
	v[chClarity] = f.Clarity
	v[chBrightness] = f.Brightness
	v[chNoisiness] = f.Noisiness

	if err := a.win.Push(t, v[:], features.Clamp01(f.RMS) >= a.cfg.SpeechFloor); err != nil {
		return err
	}
	if f.PitchHz != nil && !math.IsNaN(*f.PitchHz) && !math.IsInf(*f.PitchHz, 0) {
		a.pitch.add(*f.PitchHz)
	}
	return nil
}

func (a *Audio) Finalize(now time.Time) VoiceSummary {
	s := a.win.Finalize(now)

	out := VoiceSummary{
		VoiceLevels: voiceLevels(s.Mean),
		First:       voiceLevels(s.First),
		Modulation:  features.Clamp01(s.Std[chRMS] * 2),
		SpeechSec:   s.Active.Seconds(),
		MeasuredSec: s.Elapsed.Seconds(),
		Frames:      s.Samples,
		FirstFrames: s.FirstCount,
	}
	if out.MeasuredSec > 0 {
		out.SpeechRatio = features.Clamp01(out.SpeechSec / out.MeasuredSec)
	}
	if a.pitch.n > 0 {
		m := a.pitch.mean(0)
		sd := a.pitch.std()
		out.PitchHz = &m
		out.PitchStdHz = &sd
	}
	return out
}
