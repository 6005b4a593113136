package score

type Axis string

const (
	AxisPosture          Axis = "posture"
	AxisFacialExpression Axis = "facialExpression"
	AxisVoiceTone        Axis = "voiceTone"
	AxisPace             Axis = "pace"
	AxisEyeContact       Axis = "eyeContact"
)

// Axes lists every axis in canonical order. Ties are broken by position in this list.
var Axes = []Axis{AxisPosture, AxisFacialExpression, AxisVoiceTone, AxisPace, AxisEyeContact}

type AxisScore struct {
	Axis  Axis `json:"axis"`
	Score int  `json:"score"`
}

func (s Scores) Get(a Axis) int {
	switch a {
	case AxisPosture:
		return s.Posture
	case AxisFacialExpression:
		return s.FacialExpression
	case AxisVoiceTone:
		return s.VoiceTone
	case AxisPace:
		return s.Pace
	case AxisEyeContact:
		return s.EyeContact
	}
	return 0
}

// Rank returns the highest and lowest scoring axes. On a tie the axis earlier in Axes wins
// both positions.
func Rank(s Scores) (strongest, weakest AxisScore) {
	for i, a := range Axes {
		cur := AxisScore{Axis: a, Score: s.Get(a)}
		if i == 0 {
			strongest, weakest = cur, cur
			continue
		}
		if cur.Score > strongest.Score {
			strongest = cur
		}
		if cur.Score < weakest.Score {
			weakest = cur
		}
	}
	return strongest, weakest
}
