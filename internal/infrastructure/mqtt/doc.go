// Package mqtt provides MQTT client connectivity for measurement ingestion.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// Stations publish measurement payloads to <prefix>/boxes/<boxId>/data;
// the measurement package subscribes to the wildcard and feeds the
// Ingestor.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllBoxData(), 1,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
package mqtt
