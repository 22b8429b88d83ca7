// Package observability provides logging and metrics support for the
// PubMed service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for E-utilities requests, the cache, fulltext
//     downloads and tool calls
//   - Context helpers for propagating request identifiers
//
// # Logging
//
// Create a logger from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stderr",
//	})
//
// Components derive a child logger tagged with their name:
//
//	logger = observability.WithComponent(logger, "cache")
//
// # Metrics
//
// Metrics register with an explicit registry so tests never collide:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics("pubmed", reg)
//	metrics.RecordCacheLookup("article", "memory", "hit")
//
// A nil *Metrics records nothing.
//
// # Standard Fields
//
//   - component: emitting component (transport, cache, backend, ...)
//   - request_id: tool call identifier
//   - tool: tool name
//   - source, operation: remote service and endpoint
//   - pmid: PubMed identifier
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
