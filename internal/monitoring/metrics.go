// Package monitoring holds the Prometheus metric bundle shared by the
// gateway subsystems. Construct once in main and inject.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all gateway instrumentation.
type Metrics struct {
	// Device service
	ModbusRequests     *prometheus.CounterVec // plc, op, result
	DeviceConnected    *prometheus.GaugeVec   // plc
	DeviceConsecFails  *prometheus.GaugeVec   // plc
	ModbusRequestSecs  *prometheus.HistogramVec

	// Poller
	PollCycleSecs  *prometheus.HistogramVec // plc
	PollBlockFails *prometheus.CounterVec   // plc

	// Commands
	CommandsTotal   *prometheus.CounterVec // plc, status
	CommandExecSecs *prometheus.HistogramVec
	CommandQueueLen *prometheus.GaugeVec // plc

	// Alarms
	AlarmTransitions *prometheus.CounterVec // source, new_state
	ActiveAlarms     prometheus.Gauge

	// Hub
	Subscribers *prometheus.GaugeVec // channel
}

// New creates and registers all gateway metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ModbusRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_modbus_requests_total",
				Help: "Modbus operations by PLC, operation and result",
			},
			[]string{"plc", "op", "result"},
		),
		DeviceConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_device_connected",
				Help: "1 when the PLC socket is open",
			},
			[]string{"plc"},
		),
		DeviceConsecFails: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_device_consecutive_failures",
				Help: "Consecutive Modbus failures per PLC",
			},
			[]string{"plc"},
		),
		ModbusRequestSecs: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_modbus_request_seconds",
				Help:    "Modbus request round-trip latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
			},
			[]string{"plc", "op"},
		),
		PollCycleSecs: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_poll_cycle_seconds",
				Help:    "Full poll cycle duration per PLC",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"plc"},
		),
		PollBlockFails: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_poll_block_failures_total",
				Help: "Block reads that failed during polling",
			},
			[]string{"plc"},
		),
		CommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_commands_total",
				Help: "Commands reaching a terminal status",
			},
			[]string{"plc", "status"},
		),
		CommandExecSecs: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_command_execution_seconds",
				Help:    "Command execution duration including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 3, 10},
			},
			[]string{"plc"},
		),
		CommandQueueLen: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_command_queue_length",
				Help: "Commands waiting per PLC queue",
			},
			[]string{"plc"},
		),
		AlarmTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_alarm_transitions_total",
				Help: "Alarm state transitions by source and new state",
			},
			[]string{"source", "new_state"},
		),
		ActiveAlarms: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_active_alarms",
				Help: "Occurrences currently WARNING or ALARM",
			},
		),
		Subscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_hub_subscribers",
				Help: "Live hub subscribers per channel",
			},
			[]string{"channel"},
		),
	}
}
