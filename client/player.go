package poisecli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bosley/poise/audio"
	"github.com/bosley/poise/recording"
)

var ErrSampleRate = errors.New("client: recording sample rate does not match the server")

// SendRecording streams a recorded bundle over s as if it were captured live. Landmark
// lines keep their recorded offsets and are interleaved with the audio they belong to.
// With pace set, data is sent no faster than real time.
func SendRecording(ctx context.Context, s *Stream, b *recording.Bundle, sampleRate int, pace bool) (audio.Info, error) {
	f, err := os.Open(b.AudioPath())
	if err != nil {
		return audio.Info{}, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	start := time.Now()
	origin := b.Start()
	next := 0
	sendUntil := func(limit time.Duration) error {
		for ; next < len(b.Landmarks); next++ {
			at := b.Landmarks[next].Time.Sub(origin)
			if limit >= 0 && at > limit {
				return nil
			}
			line := recording.LandmarkLine{TimeMs: at.Milliseconds(), Points: b.Landmarks[next].Points}
			if err := s.SendLandmarks(line); err != nil {
				return err
			}
		}
		return nil
	}

	info, err := audio.DecodeWAV(f, func(info audio.Info, samples []int16) error {
		if sampleRate > 0 && info.SampleRate != sampleRate {
			return fmt.Errorf("%w: %d Hz, want %d Hz", ErrSampleRate, info.SampleRate, sampleRate)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.SendAudio(samples); err != nil {
			return err
		}
		end := time.Duration(info.Samples+int64(len(samples))) * time.Second / time.Duration(info.SampleRate)
		if err := sendUntil(end); err != nil {
			return err
		}
		if pace {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Until(start.Add(end))):
			}
		}
		return nil
	})
	if err != nil {
		return info, err
	}
	return info, sendUntil(-1)
}
