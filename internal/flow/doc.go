// Package flow defines the conversational flow domain model and the
// trigger matcher that selects a flow for an inbound message.
//
// # Flows
//
// A Flow belongs to exactly one tenant and carries an ordered trigger
// list, an ordered step sequence, and a fallback message. Steps are a
// tagged variant: send_message, collect_input, or branch. Publishing a
// change to a flow produces a new version; conversations in flight keep
// executing the version they started on.
//
// # Matching
//
// The Matcher evaluates a tenant's active flows newest-first and each
// flow's triggers in declaration order. A trigger matches when its
// pattern occurs in the normalized message text and its channel
// restriction (if any) equals the inbound channel. The first match wins;
// no match across all flows yields ErrNoMatch and the caller falls back
// to the tenant's nearest fallback message.
package flow
