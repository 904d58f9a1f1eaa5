// Package gate enforces plan-based capability checks: which channels a
// tenant's subscription tier may use and how many auto-responses it may
// send per period. The plan table is read-only configuration injected at
// construction; quota counters are delegated to the store so concurrent
// sends cannot race past the limit.
package gate
