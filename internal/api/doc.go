// Package api exposes the HTTP surface of agentforged: submitting
// executions, reading session logs, invalidating cached plans, health and
// metrics.
package api
