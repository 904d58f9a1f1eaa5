// Package config handles configuration loading for the flow engine.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${UNIVERSALBOT_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	engine:
//	  inactivity_window: "30m"
//	  sweep_interval: "5m"
//	  request_deadline: "10s"
//
// # Plan Table
//
// The plan table is the read-only capability configuration backing the
// feature gate:
//
//	plans:
//	  basic:
//	    channels: ["whatsapp"]
//	    monthly_responses: 1000
//	  pro:
//	    channels: ["whatsapp", "facebook"]
//	    monthly_responses: 0   # unlimited
package config
