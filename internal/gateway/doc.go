// Package gateway wires the inbound webhook pipeline: delivery dedupe,
// tenant resolution, feature gating, trigger matching, conversation
// execution, quota accounting, and dashboard event fan-out.
//
// Control flow for one inbound message:
//
//	dedupe → tenant lookup → feature gate (channel) → trigger match →
//	state machine → quota check → broadcast → response
//
// Every failure mode except an unknown tenant is recovered into either
// the tenant's fallback message or silence; a single tenant's malformed
// flow or message can never crash the service.
package gateway
