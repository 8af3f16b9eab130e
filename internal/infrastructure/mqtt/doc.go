// Package mqtt provides MQTT client connectivity for the beamline control
// service.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// MQTT is the remote-access bus: device telemetry and command results are
// published for status displays and scripted acquisition clients, which in
// turn publish commands that the telemetry bridge feeds into the per-device
// command queues.
//
//	control service ↔ MQTT broker ↔ remote clients
//
// # Security Considerations
//
//   - TLS is required outside the beamline subnet (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to commands for every device
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish telemetry
//	topic := mqtt.Topics{}.DeviceStatus("pump1")
//	client.Publish(topic, []byte(`{"flow_rate":512.5}`), 1, true)
package mqtt
