// Package config handles configuration loading for helix-gateway clients.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so an empty file (or no file at all,
// via LoadOrDefault) yields a client for the local gateway.
//
// # Configuration File
//
// Default location:
//
//  1. Path from HELIX_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/helix/gateway.yaml
//  3. ~/.config/helix/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  token: "${HELIX_GATEWAY_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	heartbeat:
//	  interval: "30s"
//	  timeout: "90s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Gateway:
//
//	gateway:
//	  url: "ws://127.0.0.1:18789"
//	  token_file: "/run/secrets/helix-token"
//	  codec: "json"            # json, msgpack
//	  role: "operator"
//	  scopes: ["operator.read", "operator.write"]
//	  min_protocol: 3
//	  max_protocol: 3
//	  request_timeout: "30s"
//	  handshake_timeout: "10s"
//
// Reconnect:
//
//	reconnect:
//	  enabled: true
//	  base_delay: "1s"
//	  max_delay: "30s"
//	  max_attempts: 10         # 0 retries forever
//	  jitter: false
//
// Offline queue:
//
//	offline:
//	  enabled: true
//	  persist: true
//	  store: "sqlite"          # sqlite, file, memory
//	  path: "~/.local/share/helix/offline.db"  # default; "offline" dir for the file store
//	  max_retries: 3
//	  sync_interval: "30s"
//	  delivered_ttl: "10m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Token Resolution
//
// ResolveToken checks gateway.token, then gateway.token_file, then the
// desktop app's token file at ~/.helix/gateway-token. The desktop file is
// ignored unless it holds a 64-character hex token.
package config
