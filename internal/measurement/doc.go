// Package measurement implements measurement ingestion.
//
// The Ingestor validates values (finite decimals) and timestamps (ISO
// 8601, at most one minute in the future), appends measurements to the
// store and advances each sensor's latest-measurement pointer. The pointer
// only moves forward in measurement time, so the newest reading wins no
// matter which submission arrives first.
//
// Batches are best-effort: every valid item is stored and each rejected
// item is reported with its code and message.
//
// Persisted measurements are passed to registered Observers (the live
// WebSocket feed and the InfluxDB mirror).
package measurement
