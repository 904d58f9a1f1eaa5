// Package httpapi is the thin HTTP boundary over the engine: webhook
// ingestion from channel providers, the SSE event stream for admin
// dashboards, and health/metrics endpoints. It only adapts transport to
// the gateway's contracts; webhook signature verification and session
// authentication belong to the surrounding infrastructure.
package httpapi
