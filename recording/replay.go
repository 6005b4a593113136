package recording

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bosley/poise/audio"
	"github.com/bosley/poise/engine"
	"github.com/bosley/poise/features"
)

type Stats struct {
	AudioFrames  int
	VisualFrames int
	Skipped      int
	Duration     time.Duration
}

// Replay streams the bundle through a fresh session in timestamp order and finishes it at
// the end of the recording. Landmarks sharing a timestamp with an audio frame go first.
func (b *Bundle) Replay(cfg engine.Config, an audio.AnalyserConfig) (engine.Report, Stats, error) {
	f, err := os.Open(b.AudioPath())
	if err != nil {
		return engine.Report{}, Stats{}, fmt.Errorf("failed to open audio: %w", err)
	}
	defer f.Close()

	start := b.Start()
	s := engine.NewSession(cfg, start)
	stats := Stats{Skipped: b.Skipped}

	visual := append([]features.VisualFrame(nil), b.Landmarks...)
	sort.SliceStable(visual, func(i, j int) bool { return visual[i].Time.Before(visual[j].Time) })
	next := 0

	flush := func(until time.Time) error {
		for next < len(visual) && !visual[next].Time.After(until) {
			if err := s.PushVisual(visual[next]); err != nil {
				return err
			}
			next++
			stats.VisualFrames++
		}
		return nil
	}

	info, err := audio.ReadWAV(f, an, start, func(frame features.AudioFrame) error {
		if err := flush(frame.Time); err != nil {
			return err
		}
		stats.AudioFrames++
		return s.PushAudio(frame)
	})
	if err != nil {
		return engine.Report{}, stats, fmt.Errorf("failed to replay audio: %w", err)
	}

	end := start.Add(info.Duration)
	if len(visual) > 0 {
		if last := visual[len(visual)-1].Time; last.After(end) {
			end = last
		}
	}
	if err := flush(end); err != nil {
		return engine.Report{}, stats, err
	}
	if d := time.Duration(b.Meta.DurationSec * float64(time.Second)); d > end.Sub(start) {
		end = start.Add(d)
	}

	stats.Duration = end.Sub(start)
	return s.Finish(end, b.Meta.Transcript), stats, nil
}
