// Package mqtt provides MQTT client connectivity for FleetLink Core.
//
// This package manages:
//   - Connection to the broker (plain or TLS, optional credentials)
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support and re-subscription
//   - Last Will and Testament (LWT) on iot/system/status
//   - Topic builders for the iot/devices/{id}/{channel} layout
//
// # Architecture
//
//	Devices ↔ MQTT Broker ↔ FleetLink Core (dispatch loop)
//
// The client never reconnects by itself. The dispatch loop owns the
// connection, runs the backoff schedule, and calls Connect and Resubscribe.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err := client.Subscribe(mqtt.Topics{}.AllDeviceData(), 1,
//	    func(topic string, payload []byte) error {
//	        inbound <- message{topic, payload}
//	        return nil
//	    })
package mqtt
