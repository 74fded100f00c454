package codec

import (
	"strings"

	"github.com/nerrad567/fleetlink-core/internal/infrastructure/mqtt"
)

// Route is a parsed topic.
type Route struct {
	Kind     Kind
	DeviceID string // empty for fleet-wide topics
}

// ValidDeviceID reports whether id can be used as a topic segment.
func ValidDeviceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}

// ParseTopic matches topic against the fleet grammar.
func ParseTopic(topic string) (Route, error) {
	switch topic {
	case mqtt.TopicAlerts:
		return Route{Kind: KindAlert}, nil
	case mqtt.TopicSystemStatus:
		return Route{Kind: KindSystemStatus}, nil
	}

	rest, ok := strings.CutPrefix(topic, mqtt.TopicPrefixDevices+"/")
	if !ok {
		return Route{}, unknownChannel(topic, "topic outside iot/devices")
	}
	deviceID, channel, ok := strings.Cut(rest, "/")
	if !ok || !ValidDeviceID(deviceID) {
		return Route{}, unknownChannel(topic, "missing or invalid device id")
	}

	switch channel {
	case mqtt.ChannelStatus:
		return Route{Kind: KindStatus, DeviceID: deviceID}, nil
	case mqtt.ChannelData:
		return Route{Kind: KindData, DeviceID: deviceID}, nil
	case mqtt.ChannelControl:
		return Route{Kind: KindControl, DeviceID: deviceID}, nil
	default:
		return Route{}, unknownChannel(topic, "unknown device channel "+channel)
	}
}
