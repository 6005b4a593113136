package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poise_frames_pushed_total",
			Help: "Total number of frames pushed into sessions",
		},
		[]string{"modality"},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poise_sessions_finished_total",
			Help: "Total number of finished sessions",
		},
		[]string{"source", "evaluable"},
	)

	GradeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poise_grade_job_duration_seconds",
			Help:    "Time to load and replay one recording bundle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	GradeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poise_grade_job_failures_total",
			Help: "Total number of recording bundles that could not be graded",
		},
	)

	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poise_live_sessions",
			Help: "Number of sessions currently streaming to the server",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poise_websocket_subscribers",
			Help: "Number of connected report subscribers",
		},
	)
)

const (
	ModalityAudio  = "audio"
	ModalityVisual = "visual"

	SourceLive      = "live"
	SourceRecording = "recording"
)

func Evaluable(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
