package voicelive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics, registered on the default prometheus registry. Serving
// them (or not) is up to the embedding application.
var (
	metricFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelive",
		Name:      "capture_frames_sent_total",
		Help:      "Outbound microphone frames handed to the live session.",
	})
	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelive",
		Name:      "capture_frames_dropped_total",
		Help:      "Outbound microphone frames dropped after a send failure.",
	})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelive",
		Name:      "session_retries_total",
		Help:      "Automatic reconnect attempts scheduled after retryable errors.",
	})
	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelive",
		Name:      "session_state_transitions_total",
		Help:      "Connection state machine transitions by target state.",
	}, []string{"state"})
	metricPlaybackDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicelive",
		Name:      "playback_queue_depth",
		Help:      "Synthesized-speech frames queued but not yet played.",
	})
)
