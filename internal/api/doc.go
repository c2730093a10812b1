// Package api implements the HTTP surface and the live WebSocket feed of
// sensemap-core.
//
// This package provides:
//   - box registration, lookup, update and deletion under /boxes
//   - measurement ingestion (single value, body and batch)
//   - sensor history and multi-box queries
//   - firmware download and apikey validation on secured routes
//   - /stats, /health and the Prometheus /metrics endpoint
//   - a WebSocket hub broadcasting every stored measurement on box:<id>
//
// # Security
//
// Secured routes read the X-ApiKey header and check it against the box
// owner before the handler runs. A missing header yields 401, a key that
// does not own the box yields 403. Ingestion routes are not secured but
// are rate limited per client IP.
//
// # Errors
//
// Every error response has the shape {"status", "code", "message"}. The
// status follows the error kind; the code is the kind name or a more
// specific validation code such as invalid_bbox.
package api
