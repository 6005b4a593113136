// Package engine drives one recording session from raw frames to a delivery report.
//
// A Session is not safe for concurrent use. The server and grader own one session per
// connection or job and serialize pushes themselves.
package engine

import (
	"log/slog"
	"regexp"
	"time"

	"github.com/bosley/poise/aggregate"
	"github.com/bosley/poise/features"
	"github.com/bosley/poise/score"
)

type Config struct {
	Audio     features.AudioConfig  `mapstructure:"audio"`
	Visual    features.VisualConfig `mapstructure:"visual"`
	Aggregate aggregate.Config      `mapstructure:"aggregate"`
	Gate      score.GateConfig      `mapstructure:"gate"`
	Score     score.Config          `mapstructure:"score"`
	// Phrases that count as a greeting when found anywhere in the transcript.
	Greetings []string `mapstructure:"greetings"`
}

func DefaultConfig() Config {
	return Config{
		Audio:     features.DefaultAudioConfig(),
		Visual:    features.DefaultVisualConfig(),
		Aggregate: aggregate.DefaultConfig(),
		Gate:      score.DefaultGateConfig(),
		Score:     score.DefaultConfig(),
		Greetings: DefaultGreetings(),
	}
}

type Session struct {
	cfg    Config
	start  time.Time
	audio  *aggregate.Audio
	visual *aggregate.Visual
	gate   *score.Gate
	greet  *regexp.Regexp
}

func NewSession(cfg Config, start time.Time) *Session {
	return &Session{
		cfg:    cfg,
		start:  start,
		audio:  aggregate.NewAudio(cfg.Aggregate, start),
		visual: aggregate.NewVisual(cfg.Aggregate, start),
		gate:   score.NewGate(cfg.Gate),
		greet:  greetingPattern(cfg.Greetings),
	}
}

func (s *Session) Start() time.Time { return s.start }

// Reset discards everything pushed so far and starts over at start.
func (s *Session) Reset(start time.Time) {
	s.start = start
	s.audio.Reset(start)
	s.visual.Reset(start)
}

// PushAudio extracts features from one analyser snapshot and folds them in.
// It returns aggregate.ErrFinalized once Finish has been called.
func (s *Session) PushAudio(frame features.AudioFrame) error {
	return s.audio.Push(frame.Time, features.ExtractAudio(s.cfg.Audio, frame))
}

// PushVisual folds in one detector tick. A frame with no points, null or empty, counts as
// a missed face.
func (s *Session) PushVisual(frame features.VisualFrame) error {
	if len(frame.Points) == 0 {
		return s.visual.Miss(frame.Time)
	}
	return s.visual.Push(frame.Time, features.ExtractVisual(s.cfg.Visual, frame.Points))
}

// Finish closes the session at now and builds the report. The transcript is only
// searched for a greeting; it never affects scores.
func (s *Session) Finish(now time.Time, transcript string) Report {
	voice := s.audio.Finalize(now)
	face := s.visual.Finalize(now)

	var duration time.Duration
	if now.After(s.start) {
		duration = now.Sub(s.start)
	}

	r := Assemble(s.cfg.Score, s.gate, voice, face, duration)
	r.Greeting = s.greet != nil && s.greet.MatchString(transcript)

	if !r.Evaluable {
		slog.Debug("Session not evaluable",
			"durationSec", r.DurationSec,
			"speechSec", r.DataQuality.SpeechSec,
			"faceSec", r.DataQuality.FaceSec,
			"reasons", r.Reasons)
	}
	return r
}

// Assemble gates and scores finalized aggregates.
func Assemble(cfg score.Config, gate *score.Gate, voice aggregate.VoiceSummary, face aggregate.FaceSummary, duration time.Duration) Report {
	v := gate.Evaluate(seconds(voice.SpeechSec), seconds(face.FaceSec), duration)

	r := Report{
		Evaluable:   v.Evaluable,
		DataQuality: v.Quality,
		Reasons:     v.Reasons,
		DurationSec: duration.Seconds(),
		FirstImpression: score.First(cfg, score.FirstInputs{
			Smile:      face.First.Smile,
			Gaze:       face.First.GazeCenter,
			RMS:        voice.First.RMS,
			Clarity:    voice.First.Clarity,
			Brightness: voice.First.Brightness,
		}),
		Voice: voice,
		Face:  face,
	}
	if !v.Evaluable {
		return r
	}

	scores := score.Synthesize(cfg, score.Inputs{
		Smile:       face.Smile,
		EyeOpen:     face.EyeOpen,
		GazeCenter:  face.GazeCenter,
		FaceForward: face.FaceForward,
		RMS:         voice.RMS,
		Clarity:     voice.Clarity,
		Brightness:  voice.Brightness,
		SpeechRatio: voice.SpeechRatio,
		Modulation:  voice.Modulation,
	})
	strongest, weakest := score.Rank(scores)
	r.Scores = &scores
	r.Strongest = &strongest
	r.Weakest = &weakest
	return r
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
