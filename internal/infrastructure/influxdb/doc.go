// Package influxdb records agent telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The Client implements
// outbound.Recorder and correlation.Recorder, so publish and request
// outcomes land in the agent_publish and agent_request measurements; resource
// events can be fed to RecordResourceChange through the notifier.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	pub := outbound.New(mqttClient, outbound.Options{Recorder: client})
//
// # Error Handling
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Batch errors are delivered to the SetOnError callback.
// Connection and health check errors are returned directly.
package influxdb
