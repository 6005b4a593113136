package score

import "math"

// Remap stretches a mid-clustered [0,1] value onto a 0..100 display scale.
type Remap struct {
	Center float64 `mapstructure:"center"`
	Gain   float64 `mapstructure:"gain"`
}

// Score100 returns round(clamp(center + (x-0.5)*gain*2, 0, 100)).
func (r Remap) Score100(x float64) int {
	if math.IsNaN(x) {
		x = 0.5
	}
	v := r.Center + (x-0.5)*r.Gain*2
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

type Config struct {
	Posture          Remap `mapstructure:"posture"`
	FacialExpression Remap `mapstructure:"facial_expression"`
	VoiceTone        Remap `mapstructure:"voice_tone"`
	Pace             Remap `mapstructure:"pace"`
	EyeContact       Remap `mapstructure:"eye_contact"`
	// First-impression values at or above this are reported as strong.
	StrongThreshold float64 `mapstructure:"strong_threshold"`
}

func DefaultConfig() Config {
	return Config{
		Posture:          Remap{Center: 55, Gain: 35},
		FacialExpression: Remap{Center: 55, Gain: 40},
		VoiceTone:        Remap{Center: 55, Gain: 45},
		Pace:             Remap{Center: 55, Gain: 35},
		EyeContact:       Remap{Center: 55, Gain: 45},
		StrongThreshold:  0.58,
	}
}

// Inputs are whole-session averages, each in [0,1].
type Inputs struct {
	Smile       float64
	EyeOpen     float64
	GazeCenter  float64
	FaceForward float64

	RMS         float64
	Clarity     float64
	Brightness  float64
	SpeechRatio float64
	Modulation  float64
}

type Scores struct {
	Posture          int `json:"posture"`
	FacialExpression int `json:"facialExpression"`
	VoiceTone        int `json:"voiceTone"`
	Pace             int `json:"pace"`
	EyeContact       int `json:"eyeContact"`
}

// Blend holds the [0,1] value of each axis before remapping.
type Blend struct {
	Posture          float64
	FacialExpression float64
	VoiceTone        float64
	Pace             float64
	EyeContact       float64
}

func Combine(in Inputs) Blend {
	c := clamp01
	return Blend{
		Posture:          0.55*c(in.FaceForward) + 0.45*c(in.EyeOpen),
		FacialExpression: 0.65*c(in.Smile) + 0.35*c(in.EyeOpen),
		VoiceTone:        0.40*math.Min(1, c(in.RMS)*3) + 0.35*c(in.Clarity) + 0.25*c(in.Brightness),
		Pace:             0.55*c(in.SpeechRatio) + 0.45*math.Min(1, c(in.Modulation)*1.4),
		EyeContact:       0.65*c(in.GazeCenter) + 0.35*c(in.FaceForward),
	}
}

func Synthesize(cfg Config, in Inputs) Scores {
	b := Combine(in)
	return Scores{
		Posture:          cfg.Posture.Score100(b.Posture),
		FacialExpression: cfg.FacialExpression.Score100(b.FacialExpression),
		VoiceTone:        cfg.VoiceTone.Score100(b.VoiceTone),
		Pace:             cfg.Pace.Score100(b.Pace),
		EyeContact:       cfg.EyeContact.Score100(b.EyeContact),
	}
}

// FirstInputs are averages over the opening window.
type FirstInputs struct {
	Smile      float64
	Gaze       float64
	RMS        float64
	Clarity    float64
	Brightness float64
}

type Focus string

const (
	FocusVoice Focus = "voice"
	FocusGaze  Focus = "gaze"
	FocusSmile Focus = "smile"
)

type FirstImpression struct {
	Smile       float64 `json:"smile10"`
	Gaze        float64 `json:"gaze10"`
	Voice       float64 `json:"voice10"`
	SmileStrong bool    `json:"smileStrong"`
	GazeStrong  bool    `json:"gazeStrong"`
	VoiceStrong bool    `json:"voiceStrong"`
	// The one thing to work on next: the first weak value in voice, gaze, smile order,
	// or smile when everything is strong.
	Focus Focus `json:"focus"`
}

func First(cfg Config, in FirstInputs) FirstImpression {
	fi := FirstImpression{
		Smile: clamp01(in.Smile),
		Gaze:  clamp01(in.Gaze),
		Voice: clamp01(0.40*math.Min(1, clamp01(in.RMS)*3.2) + 0.35*clamp01(in.Clarity) + 0.25*clamp01(in.Brightness)),
	}
	fi.SmileStrong = fi.Smile >= cfg.StrongThreshold
	fi.GazeStrong = fi.Gaze >= cfg.StrongThreshold
	fi.VoiceStrong = fi.Voice >= cfg.StrongThreshold

	switch {
	case !fi.VoiceStrong:
		fi.Focus = FocusVoice
	case !fi.GazeStrong:
		fi.Focus = FocusGaze
	default:
		fi.Focus = FocusSmile
	}
	return fi
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
