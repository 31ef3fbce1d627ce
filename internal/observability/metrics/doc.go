// Package metrics collects execution, guardrail, credit, cache and HTTP
// metrics and exposes them in Prometheus text format.
package metrics
