// Package influxdb mirrors persisted measurements into InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring. The
// Mirror type plugs into the ingestor as an observer:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	mirror := influxdb.NewMirror(client)
//	ingestor.AddObserver(mirror)
//
// Each measurement becomes a point named "measurement" with tags box and
// sensor, a float field value and the measurement's createdAt as time.
//
// # Error Handling
//
// Writes are batched according to batch_size and flush_interval. Batch
// errors are delivered asynchronously to the SetOnError callback and
// never reach the ingestion path. Connection and health check errors are
// returned directly.
package influxdb
