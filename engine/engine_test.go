package engine

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/poise/aggregate"
	"github.com/bosley/poise/features"
	"github.com/bosley/poise/score"
)

var t0 = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func face() features.Landmarks {
	lms := make(features.Landmarks, 478)
	for i := range lms {
		lms[i] = features.Point{X: 0.5, Y: 0.5}
	}
	idx := features.DefaultLandmarkIndex()
	set := func(i int, x, y float64) { lms[i] = features.Point{X: x, Y: y} }

	set(idx.MouthLeft, 0.38, 0.70)
	set(idx.MouthRight, 0.62, 0.70)
	set(idx.MouthTop, 0.50, 0.68)
	set(idx.MouthBottom, 0.50, 0.76)
	set(idx.NoseTip, 0.50, 0.55)
	set(idx.LeftEyeOuter, 0.30, 0.40)
	set(idx.LeftEyeInner, 0.42, 0.40)
	set(idx.LeftEyeTop, 0.36, 0.38)
	set(idx.LeftEyeBottom, 0.36, 0.42)
	set(idx.RightEyeOuter, 0.70, 0.40)
	set(idx.RightEyeInner, 0.58, 0.40)
	set(idx.RightEyeTop, 0.64, 0.38)
	set(idx.RightEyeBottom, 0.64, 0.42)
	set(idx.LeftIris, 0.36, 0.40)
	set(idx.RightIris, 0.64, 0.40)
	return lms
}

func voiced(t time.Time) features.AudioFrame {
	td := make([]byte, 1024)
	for i := range td {
		td[i] = byte(128 + 40*math.Sin(2*math.Pi*150*float64(i)/44100))
	}
	fd := make([]byte, 1024)
	for i := 210; i < 560; i++ {
		fd[i] = 200
	}
	return features.AudioFrame{Time: t, TimeDomain: td, FreqDomain: fd, SampleRate: 44100}
}

func silent(t time.Time) features.AudioFrame {
	td := make([]byte, 1024)
	for i := range td {
		td[i] = 128
	}
	return features.AudioFrame{Time: t, TimeDomain: td, FreqDomain: make([]byte, 1024), SampleRate: 44100}
}

// run pushes audio every 50ms and landmarks every 100ms for the given durations.
func run(t *testing.T, s *Session, total, speech, visible time.Duration) {
	t.Helper()
	for ms := 0; ms <= int(total.Milliseconds()); ms += 50 {
		ts := at(ms)
		frame := silent(ts)
		if time.Duration(ms)*time.Millisecond <= speech {
			frame = voiced(ts)
		}
		require.NoError(t, s.PushAudio(frame))

		if ms%100 != 0 {
			continue
		}
		vf := features.VisualFrame{Time: ts}
		if time.Duration(ms)*time.Millisecond <= visible {
			vf.Points = face()
		}
		require.NoError(t, s.PushVisual(vf))
	}
}

func TestSession_ScenarioA(t *testing.T) {
	s := NewSession(DefaultConfig(), t0)
	run(t, s, 45*time.Second, 20*time.Second, 25*time.Second)

	r := s.Finish(at(45_000), "")

	require.True(t, r.Evaluable, "reasons: %v", r.Reasons)
	require.NotNil(t, r.Scores)
	for _, a := range score.Axes {
		assert.GreaterOrEqual(t, r.Scores.Get(a), 0)
		assert.LessOrEqual(t, r.Scores.Get(a), 100)
	}
	assert.InDelta(t, 20, r.DataQuality.SpeechSec, 1e-6)
	assert.InDelta(t, 25, r.DataQuality.FaceSec, 1e-6)
	assert.InDelta(t, 20.0/45.0, r.DataQuality.SpeechRatio, 1e-6)
	assert.Equal(t, 45.0, r.DurationSec)
	require.NotNil(t, r.Strongest)
	require.NotNil(t, r.Weakest)
	assert.GreaterOrEqual(t, r.Strongest.Score, r.Weakest.Score)
	assert.Empty(t, r.Reasons)
}

func TestSession_ScenarioB(t *testing.T) {
	s := NewSession(DefaultConfig(), t0)
	run(t, s, 20*time.Second, 20*time.Second, 20*time.Second)

	r := s.Finish(at(20_000), "")

	assert.False(t, r.Evaluable)
	assert.Nil(t, r.Scores)
	assert.Nil(t, r.Strongest)
	assert.Equal(t, []score.Reason{score.ReasonTooShort}, r.Reasons)
	assert.InDelta(t, 1.0, r.DataQuality.SpeechRatio, 1e-6)
}

func TestSession_EmptyIsDefinedAndNotEvaluable(t *testing.T) {
	r := NewSession(DefaultConfig(), t0).Finish(t0, "")

	assert.False(t, r.Evaluable)
	assert.Nil(t, r.Scores)
	assert.Equal(t, 0.5, r.FirstImpression.Smile)
	assert.Equal(t, 0.5, r.Face.GazeCenter)
	assert.Zero(t, r.Voice.RMS)
	assert.Equal(t, score.FocusVoice, r.FirstImpression.Focus)

	// encoding/json rejects NaN, so a clean marshal proves none leaked through.
	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"scores":null`)
}

func TestSession_FaceMissing(t *testing.T) {
	s := NewSession(DefaultConfig(), t0)
	run(t, s, 40*time.Second, 30*time.Second, 0)

	r := s.Finish(at(40_000), "")
	assert.False(t, r.Evaluable)
	assert.Equal(t, []score.Reason{score.ReasonFaceMissing}, r.Reasons)
	assert.Zero(t, r.DataQuality.FaceSec)
}

func TestSession_EmptyPointsAreMissedFaces(t *testing.T) {
	s := NewSession(DefaultConfig(), t0)
	for ms := 0; ms <= 40_000; ms += 50 {
		require.NoError(t, s.PushAudio(voiced(at(ms))))
		if ms%100 == 0 {
			require.NoError(t, s.PushVisual(features.VisualFrame{Time: at(ms), Points: features.Landmarks{}}))
		}
	}

	r := s.Finish(at(40_000), "")
	assert.False(t, r.Evaluable)
	assert.Contains(t, r.Reasons, score.ReasonFaceMissing)
	assert.Zero(t, r.DataQuality.FaceSec)
	assert.Zero(t, r.DataQuality.FaceRatio)
}

func TestSession_PushAfterFinish(t *testing.T) {
	s := NewSession(DefaultConfig(), t0)
	require.NoError(t, s.PushAudio(voiced(at(0))))
	s.Finish(at(100), "")

	assert.ErrorIs(t, s.PushAudio(voiced(at(200))), aggregate.ErrFinalized)
	assert.ErrorIs(t, s.PushVisual(features.VisualFrame{Time: at(200)}), aggregate.ErrFinalized)

	s.Reset(at(1000))
	require.NoError(t, s.PushAudio(voiced(at(1000))))
	assert.Equal(t, at(1000), s.Start())
}

func TestSession_Greeting(t *testing.T) {
	tests := []struct {
		name       string
		greetings  []string
		transcript string
		want       bool
	}{
		{"japanese", DefaultGreetings(), "本日はよろしくお願いします", true},
		{"english any case", DefaultGreetings(), "Hi, Nice To Meet You.", true},
		{"no greeting", DefaultGreetings(), "I worked on compilers.", false},
		{"empty transcript", DefaultGreetings(), "", false},
		{"no phrases configured", nil, "よろしく", false},
		{"metacharacters are literal", []string{"a.b"}, "axb", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Greetings = tt.greetings
			r := NewSession(cfg, t0).Finish(t0, tt.transcript)
			assert.Equal(t, tt.want, r.Greeting)
		})
	}
}

func TestSession_TranscriptDoesNotAffectScores(t *testing.T) {
	a := NewSession(DefaultConfig(), t0)
	b := NewSession(DefaultConfig(), t0)
	run(t, a, 45*time.Second, 20*time.Second, 25*time.Second)
	run(t, b, 45*time.Second, 20*time.Second, 25*time.Second)

	ra := a.Finish(at(45_000), "")
	rb := b.Finish(at(45_000), "本日はよろしくお願いします")

	require.NotNil(t, ra.Scores)
	assert.Equal(t, *ra.Scores, *rb.Scores)
	assert.NotEqual(t, ra.Greeting, rb.Greeting)
}
