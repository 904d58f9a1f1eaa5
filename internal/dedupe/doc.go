// Package dedupe tracks recently processed webhook deliveries so a
// channel provider re-delivering the same payload cannot advance a
// conversation twice.
package dedupe
