// Package metrics holds the Prometheus collectors for the daemon.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_stream_events_total",
			Help: "Total number of decoded stream events by type",
		},
		[]string{"event"},
	)

	MalformedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_stream_malformed_frames_total",
			Help: "Total number of stream lines that failed to parse",
		},
	)

	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_stream_reconnects_total",
			Help: "Total number of reconnect attempts by prior outcome",
		},
		[]string{"reason"},
	)

	StreamConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_stream_connected",
			Help: "Whether the stream for an account is currently connected",
		},
		[]string{"account"},
	)

	StaleUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_stream_stale_updates_total",
			Help: "State events whose updated_at was older than the recorded one",
		},
	)

	CursorSavesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_cursor_saves_total",
			Help: "Total number of durable cursor writes",
		},
	)

	CursorSaveErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_cursor_save_errors_total",
			Help: "Total number of failed cursor writes",
		},
	)

	CommandPollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_command_polls_total",
			Help: "Total number of device command status polls",
		},
	)

	CommandResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_command_results_total",
			Help: "Terminal device command outcomes by state",
		},
		[]string{"state"},
	)
)

// Register attaches all collectors to the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsTotal,
		MalformedFramesTotal,
		ReconnectsTotal,
		StreamConnected,
		StaleUpdatesTotal,
		CursorSavesTotal,
		CursorSaveErrorsTotal,
		CommandPollsTotal,
		CommandResultsTotal,
	)
}
