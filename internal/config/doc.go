// Package config handles configuration loading for backrooms-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; the server can also
// run entirely from defaults plus environment variables (see Default).
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	openai:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "localhost:8080"   # REST API and WebSocket endpoint
//
// Provider:
//
//	openai:
//	  api_key: "${OPENAI_API_KEY}"  # Required to serve
//	  base_url: ""                  # Optional endpoint override
//
// Call budgets and scheduling:
//
//	limits:
//	  daily_api_limit: 25     # Process-wide provider calls per day
//	  turn_limit: 100         # Per-conversation call ceiling
//	  min_turn_delay: "2s"    # Lower bound of the jittered turn delay
//	  max_turn_delay: "5s"    # Upper bound (exclusive)
//
// Personality catalog:
//
//	personalities:
//	  path: ""                # Optional TOML catalog; embedded one by default
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Environment Fallbacks
//
// OPENAI_API_KEY feeds openai.api_key when the config leaves it empty.
// DAILY_API_LIMIT feeds limits.daily_api_limit; non-positive or unparseable
// values fall back to the default of 25.
package config
