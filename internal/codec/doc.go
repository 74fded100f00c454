// Package codec translates between MQTT topics/payloads and typed fleet
// messages.
//
// Topic grammar:
//
//	iot/devices/{device_id}/status
//	iot/devices/{device_id}/data
//	iot/devices/{device_id}/control
//	iot/alerts
//	iot/system/status
//
// Decode is strict about the fields the core depends on (a status must
// carry device_id, online, type, location and firmware_version; a reading
// must carry device_id, sensor_type, a numeric value and unit) and lenient
// about everything else. Unknown status fields are kept in Extra.
//
// Device clocks are not trusted. Timestamps may arrive as RFC 3339, as
// ISO-8601 without a zone (taken as UTC), as epoch seconds or epoch
// milliseconds, or not at all. A missing timestamp, or one further in the
// future than MaxClockSkew, is replaced by the receipt time.
//
// All decode failures are *DecodeError values that unwrap to
// ErrMalformedPayload or ErrUnknownChannel.
package codec
