package mqtt

// Fleet topic layout.
//
//	iot/devices/{device_id}/status   device → core, retained or not
//	iot/devices/{device_id}/data     device → core, one reading per message
//	iot/devices/{device_id}/control  core → device
//	iot/alerts                       any → any
//	iot/system/status                service presence (LWT)
const (
	// TopicPrefixDevices is the base for all per-device topics.
	TopicPrefixDevices = "iot/devices"

	// TopicAlerts is the fleet-wide alert topic.
	TopicAlerts = "iot/alerts"

	// TopicSystemStatus carries service presence messages.
	TopicSystemStatus = "iot/system/status"
)

// Per-device channel names.
const (
	ChannelStatus  = "status"
	ChannelData    = "data"
	ChannelControl = "control"
)

// Topics provides builders for fleet MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceControl("sensor_01") // "iot/devices/sensor_01/control"
type Topics struct{}

// Device returns the topic for one channel of one device.
func (Topics) Device(deviceID, channel string) string {
	return TopicPrefixDevices + "/" + deviceID + "/" + channel
}

// DeviceStatus returns the status topic for a device.
func (t Topics) DeviceStatus(deviceID string) string {
	return t.Device(deviceID, ChannelStatus)
}

// DeviceData returns the telemetry topic for a device.
func (t Topics) DeviceData(deviceID string) string {
	return t.Device(deviceID, ChannelData)
}

// DeviceControl returns the command topic for a device.
func (t Topics) DeviceControl(deviceID string) string {
	return t.Device(deviceID, ChannelControl)
}

// AllDeviceStatus matches the status channel of every device.
func (t Topics) AllDeviceStatus() string {
	return t.Device("+", ChannelStatus)
}

// AllDeviceData matches the data channel of every device.
func (t Topics) AllDeviceData() string {
	return t.Device("+", ChannelData)
}

// Alerts returns the fleet-wide alert topic.
func (Topics) Alerts() string {
	return TopicAlerts
}

// SystemStatus returns the service presence topic.
func (Topics) SystemStatus() string {
	return TopicSystemStatus
}

// Inbound returns every topic the core listens on.
func (t Topics) Inbound() []string {
	return []string{
		t.AllDeviceStatus(),
		t.AllDeviceData(),
		t.Alerts(),
		t.SystemStatus(),
	}
}
