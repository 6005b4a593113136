package aggregate

import (
	"time"

	"github.com/bosley/poise/features"
)

const (
	chSmile = iota
	chEyeOpen
	chGaze
	chForward
	visualChannels
)

const neutralFace = 0.5

type FaceLevels struct {
	Smile       float64 `json:"smile"`
	EyeOpen     float64 `json:"eyeOpen"`
	GazeCenter  float64 `json:"gazeCenter"`
	FaceForward float64 `json:"faceForward"`
}

func faceLevels(v []float64) FaceLevels {
	return FaceLevels{
		Smile:       v[chSmile],
		EyeOpen:     v[chEyeOpen],
		GazeCenter:  v[chGaze],
		FaceForward: v[chForward],
	}
}

type FaceSummary struct {
	FaceLevels
	First FaceLevels `json:"first"`

	Blinks       int     `json:"blinks"`
	BlinksPerMin float64 `json:"blinksPerMin"`

	FaceSec     float64 `json:"faceSec"`
	MeasuredSec float64 `json:"measuredSec"`
	FaceRatio   float64 `json:"faceRatio"`

	Frames      int `json:"frames"`
	FirstFrames int `json:"firstFrames"`
	// Frames whose gaze came from the faceForward fallback rather than iris points.
	GazeFallbackFrames int `json:"gazeFallbackFrames"`
}

// Visual aggregates face features and counts blinks with a two-threshold hysteresis so
// that eyeOpen jitter around a single threshold cannot produce repeated counts.
type Visual struct {
	cfg Config
	win *Window

	blinks       int
	blinkArmed   bool
	gazeFallback int
}

func NewVisual(cfg Config, start time.Time) *Visual {
	fallback := make([]float64, visualChannels)
	for i := range fallback {
		fallback[i] = neutralFace
	}
	v := &Visual{
		cfg: cfg,
		win: NewWindow(start, cfg.FirstWindow, cfg.MaxGap, fallback),
	}
	v.blinkArmed = true
	return v
}

func (v *Visual) Reset(start time.Time) {
	v.win.Reset(start)
	v.blinks = 0
	v.blinkArmed = true
	v.gazeFallback = 0
}

// Push adds a frame in which a face was detected.
func (v *Visual) Push(t time.Time, f features.Visual) error {
	var vals [visualChannels]float64
	vals[chSmile] = f.Smile
	vals[chEyeOpen] = f.EyeOpen
	vals[chGaze] = f.GazeCenter
	vals[chForward] = f.FaceForward

	if err := v.win.Push(t, vals[:], true); err != nil {
		return err
	}
	if !f.GazeFromIris {
		v.gazeFallback++
	}

	eye := features.Clamp01(f.EyeOpen)
	switch {
	case v.blinkArmed && eye < v.cfg.BlinkLow:
		v.blinkArmed = false
		v.blinks++
	case !v.blinkArmed && eye > v.cfg.BlinkHigh:
		v.blinkArmed = true
	}
	return nil
}

// Miss records a detector tick without a face. It interrupts the visible run.
func (v *Visual) Miss(t time.Time) error {
	return v.win.Idle(t)
}

func (v *Visual) Finalize(now time.Time) FaceSummary {
	s := v.win.Finalize(now)

	out := FaceSummary{
		FaceLevels:         faceLevels(s.Mean),
		First:              faceLevels(s.First),
		Blinks:             v.blinks,
		FaceSec:            s.Active.Seconds(),
		MeasuredSec:        s.Elapsed.Seconds(),
		Frames:             s.Samples,
		FirstFrames:        s.FirstCount,
		GazeFallbackFrames: v.gazeFallback,
	}
	if out.MeasuredSec > 0 {
		out.FaceRatio = features.Clamp01(out.FaceSec / out.MeasuredSec)
		out.BlinksPerMin = float64(v.blinks) / (out.MeasuredSec / 60)
	}
	return out
}
