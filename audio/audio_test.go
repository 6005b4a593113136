package audio

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/poise/features"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func sine(freq float64, sampleRate, n int, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func collect(t *testing.T, an *Analyser, samples []int16) []features.AudioFrame {
	t.Helper()
	var frames []features.AudioFrame
	require.NoError(t, an.Write(samples, func(f features.AudioFrame) error {
		f.TimeDomain = append([]byte(nil), f.TimeDomain...)
		f.FreqDomain = append([]byte(nil), f.FreqDomain...)
		frames = append(frames, f)
		return nil
	}))
	return frames
}

func TestAnalyser_EmitsOnStreamTime(t *testing.T) {
	an := NewAnalyser(DefaultAnalyserConfig(), 44100, t0)
	frames := collect(t, an, make([]int16, 44100))

	require.Len(t, frames, 20)
	for i, f := range frames {
		assert.Equal(t, t0.Add(time.Duration(i+1)*50*time.Millisecond), f.Time)
		assert.Len(t, f.TimeDomain, 2048)
		assert.Len(t, f.FreqDomain, 1024)
		assert.Equal(t, 44100, f.SampleRate)
	}
	assert.Equal(t, time.Second, an.Elapsed())
}

func TestAnalyser_Silence(t *testing.T) {
	an := NewAnalyser(DefaultAnalyserConfig(), 44100, t0)
	frames := collect(t, an, make([]int16, 4410))
	require.NotEmpty(t, frames)

	last := frames[len(frames)-1]
	for _, b := range last.TimeDomain {
		require.Equal(t, byte(128), b)
	}
	for _, b := range last.FreqDomain {
		require.Equal(t, byte(0), b)
	}
	a := features.ExtractAudio(features.DefaultAudioConfig(), last)
	assert.Zero(t, a.RMS)
	assert.Nil(t, a.PitchHz)
}

func TestAnalyser_SinePeaksAtItsBin(t *testing.T) {
	an := NewAnalyser(DefaultAnalyserConfig(), 44100, t0)
	// Quiet enough that the peak bin stays below MaxDecibels.
	frames := collect(t, an, sine(1000, 44100, 44100, 0.05))
	last := frames[len(frames)-1]

	peak := 0
	for i, b := range last.FreqDomain {
		if b > last.FreqDomain[peak] {
			peak = i
		}
	}
	// 1000 Hz / (44100/2048) ~ bin 46.4
	assert.InDelta(t, 46, peak, 1)
	assert.Greater(t, last.FreqDomain[peak], byte(150))

	lo, hi := byte(255), byte(0)
	for _, b := range last.TimeDomain {
		lo = min(lo, b)
		hi = max(hi, b)
	}
	assert.InDelta(t, 121, int(lo), 2)
	assert.InDelta(t, 134, int(hi), 2)
}

func TestAnalyser_FramesFeedPitchEstimate(t *testing.T) {
	an := NewAnalyser(DefaultAnalyserConfig(), 44100, t0)
	frames := collect(t, an, sine(200, 44100, 22050, 0.4))
	last := frames[len(frames)-1]

	a := features.ExtractAudio(features.DefaultAudioConfig(), last)
	require.NotNil(t, a.PitchHz)
	assert.InDelta(t, 200, *a.PitchHz, 5)
	assert.InDelta(t, 0.4/math.Sqrt2, a.RMS, 0.02)
}

func TestAnalyser_StopsOnEmitError(t *testing.T) {
	an := NewAnalyser(DefaultAnalyserConfig(), 8000, t0)
	calls := 0
	err := an.Write(make([]int16, 8000), func(features.AudioFrame) error {
		calls++
		return os.ErrClosed
	})
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Equal(t, 1, calls)
}

func TestPCM_RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	b := EncodePCM16(nil, in)
	require.Len(t, b, 12)
	assert.Equal(t, []byte{0xd2, 0x04}, b[10:])
	assert.Equal(t, in, DecodePCM16(nil, b))
	assert.Len(t, DecodePCM16(nil, b[:3]), 1)
}

func TestAmplitude(t *testing.T) {
	assert.Zero(t, Amplitude(nil))
	assert.Equal(t, 2.0, Amplitude([]int16{1, -3, 2, -2}))
}

func writeWAV(t *testing.T, sampleRate int, samples []int16) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	// Header first with an unknown size, patched afterwards the way live recordings are.
	require.NoError(t, WriteWavHeader(f, uint32(sampleRate), 0))
	data := EncodePCM16(nil, samples)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, UpdateWavHeader(f, uint32(len(data))))
	return path
}

func TestReadWAV(t *testing.T) {
	path := writeWAV(t, 16000, sine(200, 16000, 16000, 0.5))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var frames int
	var pitched int
	info, err := ReadWAV(f, DefaultAnalyserConfig(), t0, func(fr features.AudioFrame) error {
		frames++
		if p := features.ExtractAudio(features.DefaultAudioConfig(), fr).PitchHz; p != nil && math.Abs(*p-200) < 5 {
			pitched++
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 16000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, int64(16000), info.Samples)
	assert.Equal(t, time.Second, info.Duration)
	assert.Equal(t, 20, frames)
	assert.Greater(t, pitched, 15)
}

func TestReadWAV_RejectsOtherFormats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteWavHeader(&buf, 8000, 4))
	raw := buf.Bytes()
	raw[34] = 8 // BitsPerSample
	raw = append(raw, 1, 2, 3, 4)

	_, err := ReadWAV(bytes.NewReader(raw), DefaultAnalyserConfig(), t0, func(features.AudioFrame) error { return nil })
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestReadWAV_Garbage(t *testing.T) {
	_, err := ReadWAV(bytes.NewReader([]byte("not a wav file at all")), DefaultAnalyserConfig(), t0, func(features.AudioFrame) error { return nil })
	assert.Error(t, err)
}
