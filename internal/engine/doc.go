// Package engine implements the per-conversation dialog state machine.
//
// # Ownership
//
// Conversations live in an in-memory arena keyed by (tenant, channel,
// external user id). The engine is the sole owner: step index and
// collected inputs are only ever mutated inside the key-scoped critical
// section of Inbound. Flow definitions are fetched from the store before
// the key lock is acquired, so no I/O happens while a key is held.
//
// # States
//
//	NEW ──match──▶ EXECUTING ──collect step──▶ AWAITING_INPUT
//	                  │  ▲                          │
//	                  │  └──────valid input─────────┘
//	                  ▼
//	               ENDED            any state ──inactivity──▶ EXPIRED
//
// EXECUTING auto-advances through send_message and branch steps until a
// collect_input step prompts the user or the flow is exhausted. An
// invalid input re-emits the prompt and stays in AWAITING_INPUT. ENDED
// and EXPIRED are terminal; the next inbound message under the key
// starts a fresh conversation via a fresh trigger match.
//
// # Failure handling
//
// A conversation whose flow version has been deleted mid-flight ends
// with the fallback message (recovered, not fatal). Message templates
// referencing uncollected variables render the variable empty and log.
package engine
