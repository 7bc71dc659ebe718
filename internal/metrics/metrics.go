// Package metrics registers the Prometheus instruments shared by the
// relay and supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the daemon exports. One instance is
// created at startup and threaded through the components.
type Metrics struct {
	CommandsApplied   *prometheus.CounterVec
	CommandTimeouts   *prometheus.CounterVec
	ObservationsSent  *prometheus.CounterVec
	ApplyErrors       *prometheus.CounterVec
	LoopDuration      *prometheus.HistogramVec
	MotorFaults       *prometheus.CounterVec
	MotorsFaulted     *prometheus.GaugeVec
	RecoveryEpisodes  *prometheus.CounterVec
	LadderLevelRuns   *prometheus.CounterVec
	ChannelState      *prometheus.GaugeVec
}

// New registers the instrument set on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "armbus_commands_applied_total",
			Help: "Joint commands applied to an arm backend.",
		}, []string{"arm"}),
		CommandTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "armbus_command_timeouts_total",
			Help: "Relay ticks that elapsed without a fresh command.",
		}, []string{"arm"}),
		ObservationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "armbus_observations_published_total",
			Help: "Observations handed to the publisher.",
		}, []string{"arm"}),
		ApplyErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "armbus_apply_errors_total",
			Help: "Backend apply failures, by error type.",
		}, []string{"arm", "type"}),
		LoopDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "armbus_relay_loop_duration_seconds",
			Help:    "Duration of one relay loop iteration.",
			Buckets: []float64{.001, .0025, .005, .01, .0167, .025, .05, .1},
		}, []string{"arm"}),
		MotorFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "armbus_motor_faults_total",
			Help: "Motor faults observed, by channel and classification.",
		}, []string{"channel", "classification"}),
		MotorsFaulted: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "armbus_motors_faulted",
			Help: "Motors currently in a fault or disabled state.",
		}, []string{"channel"}),
		RecoveryEpisodes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "armbus_recovery_episodes_total",
			Help: "Recovery episodes run, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		LadderLevelRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "armbus_ladder_level_runs_total",
			Help: "Reset ladder levels executed, by level and result.",
		}, []string{"channel", "level", "result"}),
		ChannelState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "armbus_channel_state",
			Help: "Channel lifecycle state (0 unbound, 1 bound, 2 faulted).",
		}, []string{"channel"}),
	}
}
