package engine

import (
	"github.com/bosley/poise/aggregate"
	"github.com/bosley/poise/score"
)

// Report is the outcome of one session. Scores, Strongest and Weakest are nil when the
// session did not carry enough evidence; DataQuality and Reasons say why.
type Report struct {
	Evaluable       bool                  `json:"evaluable"`
	Scores          *score.Scores         `json:"scores"`
	DataQuality     score.DataQuality     `json:"dataQuality"`
	Reasons         []score.Reason        `json:"reasons,omitempty"`
	DurationSec     float64               `json:"durationSec"`
	FirstImpression score.FirstImpression `json:"firstImpression"`
	Strongest       *score.AxisScore      `json:"strongest,omitempty"`
	Weakest         *score.AxisScore      `json:"weakest,omitempty"`
	Greeting        bool                  `json:"greeting"`

	Voice aggregate.VoiceSummary `json:"voice"`
	Face  aggregate.FaceSummary  `json:"face"`
}
