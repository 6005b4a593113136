package features

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frontalFace builds a 478-point landmark set looking straight at the camera.
func frontalFace() Landmarks {
	lms := make(Landmarks, 478)
	for i := range lms {
		lms[i] = Point{X: 0.5, Y: 0.5}
	}
	idx := DefaultLandmarkIndex()
	set := func(i int, x, y float64) { lms[i] = Point{X: x, Y: y} }

	set(idx.MouthLeft, 0.40, 0.70)
	set(idx.MouthRight, 0.60, 0.70)
	set(idx.MouthTop, 0.50, 0.68)
	set(idx.MouthBottom, 0.50, 0.76)
	set(idx.NoseTip, 0.50, 0.55)

	set(idx.LeftEyeOuter, 0.30, 0.40)
	set(idx.LeftEyeInner, 0.42, 0.40)
	set(idx.LeftEyeTop, 0.36, 0.385)
	set(idx.LeftEyeBottom, 0.36, 0.415)

	set(idx.RightEyeOuter, 0.70, 0.40)
	set(idx.RightEyeInner, 0.58, 0.40)
	set(idx.RightEyeTop, 0.64, 0.385)
	set(idx.RightEyeBottom, 0.64, 0.415)

	set(idx.LeftIris, 0.36, 0.40)
	set(idx.RightIris, 0.64, 0.40)
	return lms
}

func TestExtractVisual_FrontalFace(t *testing.T) {
	v := ExtractVisual(DefaultVisualConfig(), frontalFace())

	// width 0.20 / height 0.08 = 2.5 -> (2.5-2.2)/1.0
	assert.InDelta(t, 0.3, v.Smile, 1e-9)
	// 0.03 / 0.12 = 0.25 -> (0.25-0.16)/0.14
	assert.InDelta(t, 0.09/0.14, v.EyeOpen, 1e-9)
	assert.Equal(t, 1.0, v.FaceForward)
	assert.Equal(t, 1.0, v.GazeCenter)
	assert.True(t, v.GazeFromIris)
}

func TestExtractVisual_GazeFallsBackToFaceForward(t *testing.T) {
	cfg := DefaultVisualConfig()
	lms := frontalFace()[:468]
	lms[cfg.Index.NoseTip] = Point{X: 0.53, Y: 0.55}

	v := ExtractVisual(cfg, lms)

	// dx 0.03 -> 1 - (0.03-0.01)/0.05
	assert.InDelta(t, 0.6, v.FaceForward, 1e-9)
	assert.InDelta(t, 0.45+0.55*0.6, v.GazeCenter, 1e-9)
	assert.False(t, v.GazeFromIris)
	assert.NotEqual(t, cfg.Neutral, v.GazeCenter)
}

func TestExtractVisual_IrisOffCenterLowersGaze(t *testing.T) {
	cfg := DefaultVisualConfig()
	lms := frontalFace()
	lms[cfg.Index.LeftIris] = Point{X: 0.36 + 0.12*0.09, Y: 0.40}
	lms[cfg.Index.RightIris] = Point{X: 0.64 + 0.12*0.09, Y: 0.40}

	v := ExtractVisual(cfg, lms)

	// normalized offset 0.09 -> 1 - (0.09-0.02)/0.14
	assert.InDelta(t, 0.5, v.GazeCenter, 1e-6)
	assert.True(t, v.GazeFromIris)
}

func TestExtractVisual_MissingPointsAreNeutral(t *testing.T) {
	cfg := DefaultVisualConfig()

	tests := []struct {
		name  string
		lms   Landmarks
		check func(t *testing.T, v Visual)
	}{
		{
			name: "empty",
			lms:  nil,
			check: func(t *testing.T, v Visual) {
				assert.Equal(t, 0.5, v.Smile)
				assert.Equal(t, 0.5, v.EyeOpen)
				assert.Equal(t, 0.5, v.FaceForward)
				assert.Equal(t, 0.5, v.GazeCenter)
			},
		},
		{
			name: "mouth corner missing",
			lms: func() Landmarks {
				l := frontalFace()
				l[cfg.Index.MouthLeft] = Point{X: math.NaN(), Y: 0.7}
				return l
			}(),
			check: func(t *testing.T, v Visual) {
				assert.Equal(t, 0.5, v.Smile)
				assert.Equal(t, 1.0, v.FaceForward)
			},
		},
		{
			name: "one eye missing",
			lms: func() Landmarks {
				l := frontalFace()
				l[cfg.Index.RightEyeTop] = Point{X: math.Inf(1), Y: 0}
				return l
			}(),
			check: func(t *testing.T, v Visual) {
				assert.InDelta(t, (0.09/0.14+0.5)/2, v.EyeOpen, 1e-9)
			},
		},
		{
			name: "nose missing",
			lms: func() Landmarks {
				l := frontalFace()
				l[cfg.Index.NoseTip] = Point{X: math.NaN(), Y: math.NaN()}
				return l
			}(),
			check: func(t *testing.T, v Visual) {
				assert.Equal(t, 0.5, v.FaceForward)
				assert.Equal(t, 1.0, v.GazeCenter)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ExtractVisual(cfg, tt.lms)
			tt.check(t, v)
			for _, x := range []float64{v.Smile, v.EyeOpen, v.GazeCenter, v.FaceForward} {
				assert.GreaterOrEqual(t, x, 0.0)
				assert.LessOrEqual(t, x, 1.0)
			}
		})
	}
}

func TestExtractVisual_DegenerateGeometryStaysBounded(t *testing.T) {
	lms := make(Landmarks, 478)
	v := ExtractVisual(DefaultVisualConfig(), lms)
	for _, x := range []float64{v.Smile, v.EyeOpen, v.GazeCenter, v.FaceForward} {
		assert.False(t, math.IsNaN(x))
		assert.GreaterOrEqual(t, x, 0.0)
		assert.LessOrEqual(t, x, 1.0)
	}
}

func TestPoint_JSON(t *testing.T) {
	var pts Landmarks
	require.NoError(t, json.Unmarshal([]byte(`[[0.1,0.2],[0.3,0.4,0.9],{"x":0.5,"y":0.6},null,[1]]`), &pts))
	require.Len(t, pts, 5)

	assert.Equal(t, Point{X: 0.1, Y: 0.2}, pts[0])
	assert.Equal(t, Point{X: 0.3, Y: 0.4}, pts[1])
	assert.Equal(t, Point{X: 0.5, Y: 0.6}, pts[2])
	assert.False(t, pts[3].valid())
	assert.False(t, pts[4].valid())

	out, err := json.Marshal(pts[:1])
	require.NoError(t, err)
	assert.JSONEq(t, `[[0.1,0.2]]`, string(out))
}
