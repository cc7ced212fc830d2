// Package config handles configuration loading for beacon-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by file extension) with
// environment variable expansion. The loaded *Config is built once at startup
// and passed explicitly to every component that needs it.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BEACON_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/beacon/gateway.yaml
//  3. ~/.config/beacon/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${BEACON_JWT_SECRET}"
//	encryption:
//	  secret: "${BEACON_ENCRYPTION_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_lifetime: "24h"
//	webhooks:
//	  dns_timeout: "3s"
//	  dispatch_timeout: "10s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # optional
//	database:
//	  path: "./data/beacon.db"
//	auth:
//	  jwt_secret: "..."             # at least 32 bytes
//	  token_lifetime: "24h"
//	  cookie_name: "beacon_session"
//	  cookie_secure: true
//	encryption:
//	  secret: "..."                 # optional; placeholder value means "generate a key file"
//	  key_file: "./data/encryption.key"
//	webhooks:
//	  allow_http: false             # relaxed development mode
//	sessions:
//	  sweep_schedule: "@every 1h"
//	passkeys:
//	  base_url: "https://beacon.example.com"
//	tailscale:
//	  enabled: false
//	logging:
//	  level: "info"                 # debug, info, warn, error
//	  format: "text"                # text, json
package config
