// Package config handles configuration loading for mcp-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  ttl: "30m"
//	  sweep_interval: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Session store:
//
//	sessions:
//	  mode: "session"       # or "singleton"
//	  ttl: "30m"
//	  sweep_interval: "1m"
//	  max_entries: 1000
//
// Tool approval:
//
//	approval:
//	  timeout: "5m"
//
// Downstream servers:
//
//	servers:
//	  - id: "github"
//	    url: "https://mcp.example.com/github"
//	    headers:
//	      Authorization: "Bearer ${GITHUB_MCP_TOKEN}"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "mcp-relay"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Environment Overrides
//
// The RELAY_SESSION_TTL, RELAY_SWEEP_INTERVAL, RELAY_MAX_SESSIONS, and
// RELAY_APPROVAL_TIMEOUT variables override the corresponding file values.
package config
