package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDeviceMetrics = "device_metrics"
	MeasurementAlerts        = "fleet_alerts"
	MeasurementCommands      = "fleet_commands"
)

// WriteReading records one telemetry reading at its device-declared time.
//
//	client.WriteReading("sensor_01", "temperature", "°C", 32.5, ts)
func (c *Client) WriteReading(deviceID, metric, unit string, value float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(readingPoint(deviceID, metric, unit, value, ts))
}

// WriteAlert records that an alert was raised.
func (c *Client) WriteAlert(deviceID, ruleID, level string, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(alertPoint(deviceID, ruleID, level, ts))
}

// WriteCommandOutcome records how a command resolved. latency is zero for
// timed-out commands.
func (c *Client) WriteCommandOutcome(deviceID, action, state string, latency time.Duration, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(deviceID, action, state, latency, ts))
}

func readingPoint(deviceID, metric, unit string, value float64, ts time.Time) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
		"metric":    metric,
	}
	if unit != "" {
		tags["unit"] = unit
	}
	return write.NewPoint(MeasurementDeviceMetrics, tags,
		map[string]interface{}{"value": value}, ts)
}

func alertPoint(deviceID, ruleID, level string, ts time.Time) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
		"level":     level,
	}
	if ruleID != "" {
		tags["rule_id"] = ruleID
	}
	return write.NewPoint(MeasurementAlerts, tags,
		map[string]interface{}{"count": 1}, ts)
}

func commandPoint(deviceID, action, state string, latency time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementCommands,
		map[string]string{
			"device_id": deviceID,
			"action":    action,
			"state":     state,
		},
		map[string]interface{}{"latency_ms": latency.Milliseconds()}, ts)
}
