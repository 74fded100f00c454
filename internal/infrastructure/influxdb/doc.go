// Package influxdb exports fleet telemetry to InfluxDB v2.
//
// Every accepted data reading is written to the device_metrics measurement,
// tagged by device and metric and stamped with the device-declared time.
// Raised alerts and resolved commands are written as counters so they can be
// plotted next to the readings.
//
// Export is optional. When influxdb.enabled is false, Connect returns
// ErrDisabled and the fan-out stage simply skips the sink.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry export
//	}
//	defer client.Close()
//
//	client.WriteReading("sensor_01", "temperature", "°C", 32.5, ts)
package influxdb
