// Package score decides whether a finished session carries enough evidence to be scored and,
// when it does, turns session aggregates into bounded delivery scores.
package score

import "time"

type Reason string

const (
	ReasonTooShort     Reason = "too_short"
	ReasonLittleSpeech Reason = "little_speech"
	ReasonFaceMissing  Reason = "face_missing"
)

type GateConfig struct {
	MinDuration time.Duration `mapstructure:"min_duration"`
	MinSpeech   time.Duration `mapstructure:"min_speech"`
	MinFace     time.Duration `mapstructure:"min_face"`
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinDuration: 30 * time.Second,
		MinSpeech:   15 * time.Second,
		MinFace:     10 * time.Second,
	}
}

// DataQuality is reported whether or not the session was scored.
type DataQuality struct {
	SpeechSec   float64 `json:"speechSec"`
	SpeechRatio float64 `json:"speechRatio"`
	FaceSec     float64 `json:"faceSec"`
	FaceRatio   float64 `json:"faceRatio"`
}

type Verdict struct {
	Evaluable bool        `json:"evaluable"`
	Quality   DataQuality `json:"dataQuality"`
	Reasons   []Reason    `json:"reasons,omitempty"`
}

type Gate struct {
	cfg GateConfig
}

func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Evaluate checks the measured durations against the configured floors. Every failing floor
// is listed so a caller can tell the user what to fix.
func (g *Gate) Evaluate(speech, face, total time.Duration) Verdict {
	q := DataQuality{
		SpeechSec: speech.Seconds(),
		FaceSec:   face.Seconds(),
	}
	if total > 0 {
		q.SpeechRatio = ratio(speech, total)
		q.FaceRatio = ratio(face, total)
	}

	var reasons []Reason
	if total < g.cfg.MinDuration {
		reasons = append(reasons, ReasonTooShort)
	}
	if speech < g.cfg.MinSpeech {
		reasons = append(reasons, ReasonLittleSpeech)
	}
	if face < g.cfg.MinFace {
		reasons = append(reasons, ReasonFaceMissing)
	}

	return Verdict{
		Evaluable: len(reasons) == 0,
		Quality:   q,
		Reasons:   reasons,
	}
}

func ratio(part, total time.Duration) float64 {
	r := part.Seconds() / total.Seconds()
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
