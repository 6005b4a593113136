package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/poise/features"
)

func hz(v float64) *float64 { return &v }

func TestAudio_SpeechTimeFollowsFloor(t *testing.T) {
	a := NewAudio(DefaultConfig(), t0)

	// 50ms frames: one second of speech, one second of silence, one second of speech.
	ms := 0
	for ; ms <= 1000; ms += 50 {
		require.NoError(t, a.Push(at(ms), features.Audio{RMS: 0.2}))
	}
	for ; ms <= 2000; ms += 50 {
		require.NoError(t, a.Push(at(ms), features.Audio{RMS: 0.01}))
	}
	for ; ms <= 3000; ms += 50 {
		require.NoError(t, a.Push(at(ms), features.Audio{RMS: 0.2}))
	}

	s := a.Finalize(at(3000))

	assert.InDelta(t, 1.0+0.95, s.SpeechSec, 1e-9)
	assert.InDelta(t, 3.0, s.MeasuredSec, 1e-9)
	assert.InDelta(t, 1.95/3.0, s.SpeechRatio, 1e-9)
	assert.Equal(t, 61, s.Frames)
}

func TestAudio_PitchIsOptional(t *testing.T) {
	a := NewAudio(DefaultConfig(), t0)
	require.NoError(t, a.Push(at(0), features.Audio{RMS: 0.2}))
	require.NoError(t, a.Push(at(50), features.Audio{RMS: 0.2}))

	s := a.Finalize(at(100))
	assert.Nil(t, s.PitchHz)
	assert.Nil(t, s.PitchStdHz)

	a.Reset(t0)
	require.NoError(t, a.Push(at(0), features.Audio{RMS: 0.2, PitchHz: hz(180)}))
	require.NoError(t, a.Push(at(50), features.Audio{RMS: 0.2}))
	require.NoError(t, a.Push(at(100), features.Audio{RMS: 0.2, PitchHz: hz(220)}))
	require.NoError(t, a.Push(at(150), features.Audio{RMS: 0.2, PitchHz: hz(math.NaN())}))

	s = a.Finalize(at(150))
	require.NotNil(t, s.PitchHz)
	assert.InDelta(t, 200, *s.PitchHz, 1e-9)
	assert.InDelta(t, 20, *s.PitchStdHz, 1e-9)
}

func TestAudio_ModulationFromRMSSpread(t *testing.T) {
	a := NewAudio(DefaultConfig(), t0)
	for i, rms := range []float64{0.1, 0.3, 0.1, 0.3} {
		require.NoError(t, a.Push(at(i*50), features.Audio{RMS: rms}))
	}

	s := a.Finalize(at(200))
	assert.InDelta(t, 0.2, s.RMS, 1e-9)
	assert.InDelta(t, 0.2, s.Modulation, 1e-9)
}

func TestAudio_FirstWindowSeparatedFromSession(t *testing.T) {
	a := NewAudio(DefaultConfig(), t0)
	require.NoError(t, a.Push(at(1000), features.Audio{RMS: 0.4, Clarity: 0.8}))
	require.NoError(t, a.Push(at(11_000), features.Audio{RMS: 0.2, Clarity: 0.4}))

	s := a.Finalize(at(12_000))
	assert.Equal(t, 1, s.FirstFrames)
	assert.InDelta(t, 0.4, s.First.RMS, 1e-9)
	assert.InDelta(t, 0.8, s.First.Clarity, 1e-9)
	assert.InDelta(t, 0.3, s.RMS, 1e-9)
	assert.InDelta(t, 0.6, s.Clarity, 1e-9)
}

func TestAudio_EmptySessionIsNeutral(t *testing.T) {
	s := NewAudio(DefaultConfig(), t0).Finalize(t0)

	assert.Zero(t, s.RMS)
	assert.Zero(t, s.First.RMS)
	assert.Zero(t, s.SpeechRatio)
	assert.Zero(t, s.Modulation)
	assert.Nil(t, s.PitchHz)
	assert.Zero(t, s.Frames)
}

func TestAudio_PushAfterFinalize(t *testing.T) {
	a := NewAudio(DefaultConfig(), t0)
	a.Finalize(at(10))
	assert.ErrorIs(t, a.Push(at(20), features.Audio{RMS: 0.2}), ErrFinalized)
}

func TestAudio_PushDoesNotAllocate(t *testing.T) {
	a := NewAudio(DefaultConfig(), t0)
	p := 150.0
	f := features.Audio{RMS: 0.2, PitchHz: &p}
	ms := 0
	allocs := testing.AllocsPerRun(100, func() {
		ms += 20
		_ = a.Push(at(ms), f)
	})
	assert.Zero(t, allocs)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.FirstWindow)
	assert.Equal(t, 200*time.Millisecond, cfg.MaxGap)
	assert.Less(t, cfg.BlinkLow, cfg.BlinkHigh)
}
