package core

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const AVG_COUNT uint8 = 30

type MetricsState struct {
	FrameAVGCounter    uint8
	MStimes            [AVG_COUNT]float64
	MSavg              float64
	Frames             int32
	AccumulatedFrameMS float64
	FPS                float64
}

var onceMetrics sync.Once
var metricsMutex sync.Mutex
var metricsState *MetricsState = nil

func MetricsInitialize() error {
	onceMetrics.Do(func() {
		metricsState = &MetricsState{
			MStimes: [AVG_COUNT]float64{0},
		}
	})
	return nil
}

func MetricsUpdate(frameElapsed time.Duration) {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()
	if metricsState == nil {
		return
	}

	// Calculate frame ms average
	frameMS := float64(frameElapsed) / float64(time.Millisecond)
	metricsState.MStimes[metricsState.FrameAVGCounter] = frameMS
	if metricsState.FrameAVGCounter == AVG_COUNT-1 {
		metricsState.MSavg = 0
		for i := uint8(0); i < AVG_COUNT; i++ {
			metricsState.MSavg += metricsState.MStimes[i]
		}

		metricsState.MSavg /= float64(AVG_COUNT)
	}
	metricsState.FrameAVGCounter++
	metricsState.FrameAVGCounter %= AVG_COUNT

	// Calculate Frames per second.
	metricsState.AccumulatedFrameMS += frameMS
	if metricsState.AccumulatedFrameMS > 1000 {
		metricsState.FPS = float64(metricsState.Frames)
		metricsState.AccumulatedFrameMS -= 1000
		metricsState.Frames = 0
	}

	// Count all Frames.
	metricsState.Frames++
}

func MetricsFrame() (float64, float64) {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()
	if metricsState == nil {
		return 0, 0
	}
	return metricsState.FPS, metricsState.MSavg
}

// JobMetrics holds the prometheus collectors of the job system. A nil
// *JobMetrics is valid and records nothing.
type JobMetrics struct {
	Submitted     *prometheus.CounterVec
	Completed     *prometheus.CounterVec
	Failed        *prometheus.CounterVec
	Cancelled     *prometheus.CounterVec
	Pending       *prometheus.GaugeVec
	Busy          *prometheus.GaugeVec
	Latency       *prometheus.HistogramVec
	FramesDropped prometheus.Counter
}

// NewJobMetrics creates the collectors and registers them on reg when it is
// not nil.
func NewJobMetrics(namespace string, reg prometheus.Registerer) *JobMetrics {
	labels := []string{"pool"}
	m := &JobMetrics{
		Submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total number of jobs admitted to a pool",
		}, labels),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of jobs that reached the done state",
		}, labels),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "failed_total",
			Help:      "Total number of jobs whose body returned an error or panicked",
		}, labels),
		Cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "cancelled_total",
			Help:      "Total number of queued jobs dropped before running",
		}, labels),
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "pending",
			Help:      "Jobs waiting in a pool queue",
		}, labels),
		Busy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "busy_workers",
			Help:      "Workers currently executing a job",
		}, labels),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time spent executing job bodies",
			Buckets:   prometheus.DefBuckets,
		}, labels),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "renderer",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a render job failed",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Submitted,
			m.Completed,
			m.Failed,
			m.Cancelled,
			m.Pending,
			m.Busy,
			m.Latency,
			m.FramesDropped,
		)
	}
	return m
}

func (m *JobMetrics) JobSubmitted(pool string) {
	if m == nil {
		return
	}
	m.Submitted.WithLabelValues(pool).Inc()
	m.Pending.WithLabelValues(pool).Inc()
}

func (m *JobMetrics) JobDequeued(pool string) {
	if m == nil {
		return
	}
	m.Pending.WithLabelValues(pool).Dec()
}

func (m *JobMetrics) JobStarted(pool string) {
	if m == nil {
		return
	}
	m.Busy.WithLabelValues(pool).Inc()
}

func (m *JobMetrics) JobFinished(pool string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.Busy.WithLabelValues(pool).Dec()
	m.Latency.WithLabelValues(pool).Observe(elapsed.Seconds())
	if err != nil {
		m.Failed.WithLabelValues(pool).Inc()
		return
	}
	m.Completed.WithLabelValues(pool).Inc()
}

func (m *JobMetrics) JobCancelled(pool string) {
	if m == nil {
		return
	}
	m.Cancelled.WithLabelValues(pool).Inc()
}

func (m *JobMetrics) FrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}
