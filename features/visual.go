package features

import (
	"encoding/json"
	"math"
	"time"
)

// Point is a normalized image coordinate. A point with a NaN coordinate counts as missing.
type Point struct {
	X float64
	Y float64
}

var missing = Point{X: math.NaN(), Y: math.NaN()}

func (p Point) valid() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// UnmarshalJSON accepts [x, y], [x, y, z], {"x":..,"y":..} or null.
func (p *Point) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = missing
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var xs []float64
		if err := json.Unmarshal(data, &xs); err != nil {
			return err
		}
		if len(xs) < 2 {
			*p = missing
			return nil
		}
		*p = Point{X: xs[0], Y: xs[1]}
		return nil
	}
	var obj struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.X == nil || obj.Y == nil {
		*p = missing
		return nil
	}
	*p = Point{X: *obj.X, Y: *obj.Y}
	return nil
}

func (p Point) MarshalJSON() ([]byte, error) {
	if !p.valid() {
		return []byte("null"), nil
	}
	return json.Marshal([2]float64{p.X, p.Y})
}

// Landmarks is one detector result, ordered by the detector's index schema.
type Landmarks []Point

func (l Landmarks) get(i int) (Point, bool) {
	if i < 0 || i >= len(l) {
		return Point{}, false
	}
	p := l[i]
	return p, p.valid()
}

// VisualFrame is one detector tick. Points is nil when no face was found.
type VisualFrame struct {
	Time   time.Time
	Points Landmarks
}

type Visual struct {
	Smile       float64 `json:"smile"`
	EyeOpen     float64 `json:"eyeOpen"`
	GazeCenter  float64 `json:"gazeCenter"`
	FaceForward float64 `json:"faceForward"`
	// False when gaze was derived from FaceForward because iris points were absent.
	GazeFromIris bool `json:"gazeFromIris"`
}

// LandmarkIndex maps anatomical points onto the detector's flat point list.
// The defaults follow the MediaPipe FaceMesh topology.
type LandmarkIndex struct {
	MouthLeft   int `mapstructure:"mouth_left"`
	MouthRight  int `mapstructure:"mouth_right"`
	MouthTop    int `mapstructure:"mouth_top"`
	MouthBottom int `mapstructure:"mouth_bottom"`
	NoseTip     int `mapstructure:"nose_tip"`

	LeftEyeOuter  int `mapstructure:"left_eye_outer"`
	LeftEyeInner  int `mapstructure:"left_eye_inner"`
	LeftEyeTop    int `mapstructure:"left_eye_top"`
	LeftEyeBottom int `mapstructure:"left_eye_bottom"`

	RightEyeOuter  int `mapstructure:"right_eye_outer"`
	RightEyeInner  int `mapstructure:"right_eye_inner"`
	RightEyeTop    int `mapstructure:"right_eye_top"`
	RightEyeBottom int `mapstructure:"right_eye_bottom"`

	LeftIris  int `mapstructure:"left_iris"`
	RightIris int `mapstructure:"right_iris"`
}

func DefaultLandmarkIndex() LandmarkIndex {
	return LandmarkIndex{
		MouthLeft:   61,
		MouthRight:  291,
		MouthTop:    13,
		MouthBottom: 14,
		NoseTip:     1,

		LeftEyeOuter:  33,
		LeftEyeInner:  133,
		LeftEyeTop:    159,
		LeftEyeBottom: 145,

		RightEyeOuter:  362,
		RightEyeInner:  263,
		RightEyeTop:    386,
		RightEyeBottom: 374,

		LeftIris:  468,
		RightIris: 473,
	}
}

// Band maps a raw ratio linearly onto [0,1]: Low -> 0, High -> 1.
type Band struct {
	Low  float64 `mapstructure:"low"`
	High float64 `mapstructure:"high"`
}

func (b Band) apply(v float64) float64 {
	if b.High == b.Low {
		return 0.5
	}
	return Clamp01((v - b.Low) / (b.High - b.Low))
}

type VisualConfig struct {
	Index LandmarkIndex `mapstructure:"index"`

	// Mouth width / height.
	SmileBand Band `mapstructure:"smile_band"`
	// Eye height / width.
	EyeBand Band `mapstructure:"eye_band"`

	// Nose offset from the eye midpoint that still counts as fully forward, and the span
	// over which the score falls to zero.
	ForwardDeadZone float64 `mapstructure:"forward_dead_zone"`
	ForwardSpan     float64 `mapstructure:"forward_span"`

	// Iris offset normalized by eye width.
	GazeDeadZone float64 `mapstructure:"gaze_dead_zone"`
	GazeSpan     float64 `mapstructure:"gaze_span"`

	// Without iris points gaze = FallbackBase + FallbackSlope*faceForward.
	// This is a heuristic; it has not been calibrated against iris data.
	GazeFallbackBase  float64 `mapstructure:"gaze_fallback_base"`
	GazeFallbackSlope float64 `mapstructure:"gaze_fallback_slope"`

	Neutral float64 `mapstructure:"neutral"`
}

func DefaultVisualConfig() VisualConfig {
	return VisualConfig{
		Index:             DefaultLandmarkIndex(),
		SmileBand:         Band{Low: 2.2, High: 3.2},
		EyeBand:           Band{Low: 0.16, High: 0.30},
		ForwardDeadZone:   0.01,
		ForwardSpan:       0.05,
		GazeDeadZone:      0.02,
		GazeSpan:          0.14,
		GazeFallbackBase:  0.45,
		GazeFallbackSlope: 0.55,
		Neutral:           0.5,
	}
}

const minExtent = 1e-4

func dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func midpoint(a, b Point) Point {
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

// ExtractVisual computes the per-frame face features from one landmark set.
func ExtractVisual(cfg VisualConfig, lms Landmarks) Visual {
	forward := faceForward(cfg, lms)
	gaze, fromIris := gazeCenter(cfg, lms, forward)
	return Visual{
		Smile:        smile(cfg, lms),
		EyeOpen:      Clamp01((eyeOpen(cfg, lms, true) + eyeOpen(cfg, lms, false)) / 2),
		GazeCenter:   gaze,
		FaceForward:  forward,
		GazeFromIris: fromIris,
	}
}

func smile(cfg VisualConfig, lms Landmarks) float64 {
	l, okL := lms.get(cfg.Index.MouthLeft)
	r, okR := lms.get(cfg.Index.MouthRight)
	t, okT := lms.get(cfg.Index.MouthTop)
	b, okB := lms.get(cfg.Index.MouthBottom)
	if !okL || !okR || !okT || !okB {
		return cfg.Neutral
	}
	ratio := dist(l, r) / math.Max(dist(t, b), minExtent)
	return cfg.SmileBand.apply(ratio)
}

func eyeOpen(cfg VisualConfig, lms Landmarks, left bool) float64 {
	idx := cfg.Index
	oi, ii, ti, bi := idx.RightEyeOuter, idx.RightEyeInner, idx.RightEyeTop, idx.RightEyeBottom
	if left {
		oi, ii, ti, bi = idx.LeftEyeOuter, idx.LeftEyeInner, idx.LeftEyeTop, idx.LeftEyeBottom
	}
	outer, okO := lms.get(oi)
	inner, okI := lms.get(ii)
	top, okT := lms.get(ti)
	bot, okB := lms.get(bi)
	if !okO || !okI || !okT || !okB {
		return cfg.Neutral
	}
	ear := dist(top, bot) / math.Max(dist(outer, inner), minExtent)
	return cfg.EyeBand.apply(ear)
}

type eyeCenters struct {
	left, right           Point
	leftWidth, rightWidth float64
}

func centers(cfg VisualConfig, lms Landmarks) (eyeCenters, bool) {
	lo, ok1 := lms.get(cfg.Index.LeftEyeOuter)
	li, ok2 := lms.get(cfg.Index.LeftEyeInner)
	ro, ok3 := lms.get(cfg.Index.RightEyeOuter)
	ri, ok4 := lms.get(cfg.Index.RightEyeInner)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return eyeCenters{}, false
	}
	return eyeCenters{
		left:       midpoint(lo, li),
		right:      midpoint(ro, ri),
		leftWidth:  dist(lo, li),
		rightWidth: dist(ro, ri),
	}, true
}

func faceForward(cfg VisualConfig, lms Landmarks) float64 {
	nose, ok := lms.get(cfg.Index.NoseTip)
	if !ok {
		return cfg.Neutral
	}
	c, ok := centers(cfg, lms)
	if !ok {
		return cfg.Neutral
	}
	if cfg.ForwardSpan <= 0 {
		return cfg.Neutral
	}
	dx := math.Abs(nose.X - midpoint(c.left, c.right).X)
	return Clamp01(1 - Clamp01((dx-cfg.ForwardDeadZone)/cfg.ForwardSpan))
}

func gazeCenter(cfg VisualConfig, lms Landmarks, forward float64) (float64, bool) {
	c, ok := centers(cfg, lms)
	if !ok {
		return cfg.Neutral, false
	}
	li, okL := lms.get(cfg.Index.LeftIris)
	ri, okR := lms.get(cfg.Index.RightIris)
	if !okL || !okR || cfg.GazeSpan <= 0 {
		return Clamp01(cfg.GazeFallbackBase + forward*cfg.GazeFallbackSlope), false
	}
	ldx := math.Abs(li.X-c.left.X) / math.Max(c.leftWidth, minExtent)
	rdx := math.Abs(ri.X-c.right.X) / math.Max(c.rightWidth, minExtent)
	dx := (ldx + rdx) / 2
	return Clamp01(1 - Clamp01((dx-cfg.GazeDeadZone)/cfg.GazeSpan)), true
}
